// Package browser — абстракция автоматизированного браузера для логин-сценариев.
// Один процесс браузера на весь шлюз, у каждой сессии свой изолированный контекст.
package browser

import (
	"context"
	"errors"
	"strings"
)

// ErrPageClosed — страница закрыта (оператором, таймаутом или крахом вкладки).
var ErrPageClosed = errors.New("browser: page closed")

// PageOptions — параметры изолированного контекста одной сессии.
type PageOptions struct {
	SessionID string
	Width     int
	Height    int
	UserAgent string
	// RecordDir — каталог кадров записи сессии; пусто — запись выключена.
	RecordDir string
}

// Engine выдает изолированные страницы.
type Engine interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
}

// Page — эксклюзивный ресурс одной сессии. Все методы ограничены ctx вызова.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Visible(ctx context.Context, selector string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	// Click; при waitNavigation ждет завершения загрузки следующей страницы.
	Click(ctx context.Context, selector string, waitNavigation bool) error
	// Closed закрывается, когда ресурс перестал существовать по любой причине.
	Closed() <-chan struct{}
	Close() error
}

// IsXPath — селекторы, начинающиеся с "/" или "(", трактуются как XPath.
func IsXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(")
}
