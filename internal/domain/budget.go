package domain

import "time"

// BudgetCounter — счетчик потребления в рамках (scope, окно). Окна фиксированные:
// начало окна округляется вниз до кратного его длительности, при наступлении
// нового окна счетчик начинается заново.
type BudgetCounter struct {
	ScopeKey    string    `json:"scope_key"`
	WindowStart time.Time `json:"window_start"`
	Limit       int64     `json:"limit"`
	Consumed    int64     `json:"consumed"`
}
