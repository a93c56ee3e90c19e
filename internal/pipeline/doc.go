// Package pipeline описывает статический план конвейера:
// упорядоченный список фаз, роли workers внутри каждой фазы
// и режим их выполнения (parallel, sequential, debate).
//
// План — конфигурация, а не персистентное состояние: прогресс task'а
// вычисляется как чистая функция от плана и записанных PhaseResults,
// поэтому любое решение координатора можно безопасно пересчитать
// на повторной доставке уведомления.
package pipeline
