// Package coordinator управляет выполнением tasks и batches.
//
// Coordinator отвечает за:
//   - Получение новых tasks и batches из очередей RabbitMQ
//   - Fan-out batch'а в member tasks
//   - Создание вызовов workers по плану конвейера
//   - Применение результатов workers и продвижение фаз
//   - Watchdog: retry и таймаут зависших вызовов
//   - Запуск агрегирующего действия batch ровно один раз
//   - Распространение отмены
//
// Coordinator не держит состояние выполнения в памяти: прогресс task'а —
// чистая функция плана и phase_results, поэтому любое событие можно
// безопасно обработать повторно. Экземпляров coordinator может быть
// несколько; корректность обеспечивают условные обновления store.
package coordinator
