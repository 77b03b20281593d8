package domain

// Tool — декларация инструмента: потолок scopes по уровням доверия и флаг
// реентерабельности (можно ли держать два живых гранта на одну пару
// session+tool одновременно).
type Tool struct {
	ID        string                  `json:"id"`
	Reentrant bool                    `json:"reentrant"`
	MaxScopes map[TrustLevel][]string `json:"max_scopes"`
}

// AllowsScopes проверяет, что запрошенные scopes — подмножество потолка
// инструмента для данного уровня доверия. Scope "*" в декларации открывает всё.
func (t *Tool) AllowsScopes(level TrustLevel, requested []string) bool {
	ceiling := t.MaxScopes[level]
	allowed := make(map[string]bool, len(ceiling))
	for _, s := range ceiling {
		if s == "*" {
			return true
		}
		allowed[s] = true
	}
	for _, s := range requested {
		if !allowed[s] {
			return false
		}
	}
	return true
}
