package policy

import "context"

// Authorizer — горячий путь проверки доступа. Работает только с памятью.
type Authorizer interface {
	IsAuthorized(assetID string, groups []string) bool
}

// OverrideRepository отдает ручные переопределения групп, которые правит ИБ (Redis hash).
type OverrideRepository interface {
	GetOverrides(ctx context.Context) (map[string][]string, error)
}
