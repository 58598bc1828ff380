// Package clock предоставляет внедряемый источник времени.
package clock

import "time"

// Clock возвращает текущее время. Внедряется в компоненты, зависящие от
// окон времени и сроков действия, для детерминированного тестирования.
type Clock interface {
	Now() time.Time
}

// System реализует Clock поверх системных часов.
type System struct{}

// Now возвращает текущее системное время.
func (System) Now() time.Time {
	return time.Now()
}
