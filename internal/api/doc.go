// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (store, publisher, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - task_handler.go     — обработчики для /tasks
//   - batch_handler.go    — обработчики для /batches
//   - schedule_handler.go — обработчики для /schedules
//
// API предоставляет REST endpoints для управления tasks, batches и schedules.
package api
