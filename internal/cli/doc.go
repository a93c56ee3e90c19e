// Package cli реализует инструмент командной строки Consilium.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Consilium API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для управления tasks, batches и schedules.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Consilium API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	tasks, err := client.ListTasks(cli.ListTasksOpts{})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: consilium task list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - task: list, start, show, results, cancel
//   - batch: list, create, show, tasks, cancel
//   - schedule: list, create, show, update, delete, enable, disable
//
// Каждая группа создаётся через фабричную функцию (NewTaskCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
