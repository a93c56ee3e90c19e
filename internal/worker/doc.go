// Package worker выполняет отдельные вызовы аналитиков.
//
// # Обзор
//
// Worker — stateless компонент системы Consilium, который выполняет
// вызовы аналитиков (invocations), созданные Coordinator'ом. Worker
// отвечает за:
//
//   - Получение вызовов из очереди workers.invoke (event-driven)
//   - Выполнение аналитика для роли (fundamentals, technicals, bull, ...)
//   - Классификацию ошибок в таксономию (RATE_LIMIT, AUTH_FAILURE, ...)
//   - Durable-запись WorkerResult в БД до ack'а сообщения
//   - Публикацию события worker.completed для Coordinator'а
//   - Агрегирующее действие batch'а (роль allocator, очередь batches.aggregate)
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди workers.invoke.
//
// # Контракт выполнения
//
// Всё необходимое для выполнения приходит в WorkerInvokePayload: subject,
// роль, раунд, контекст предыдущих фаз. Worker либо записывает результат
// в БД до ack'а, либо не записывает ничего — тогда watchdog Coordinator'а
// таймаутит вызов и создаёт следующую попытку.
//
// Повторный вызов для той же (task, phase, role, round) обнаруживает уже
// записанный результат и не выполняет аналитика заново — только повторно
// публикует worker.completed. Так восстанавливается потерянное уведомление
// о завершении без повторной работы.
//
// # Analyst
//
// Интерфейс для выполнения конкретной роли:
//
//	type Analyst interface {
//	    Analyze(ctx context.Context, req *Request) (*Outcome, error)
//	}
//
// Реализация по умолчанию — HTTPAnalyst: вызов внешнего completion-сервиса
// с soft-success конвертом (транспортный 200 даже при доменной ошибке).
// Вызовы защищены circuit breaker'ом.
//
// # Два уровня ошибок
//
// Инфраструктурная ошибка (error от Analyze — сеть упала, breaker открыт)
// не записывается в БД: вызов остаётся без результата, retry делает watchdog.
// Доменная ошибка (Outcome с ErrorKind) записывается как ERROR-результат —
// конвейер продолжается, ошибка не пробрасывается.
package worker
