// Package browsertest — управляемый браузер в памяти для тестов оркестратора и API.
package browsertest

import (
	"context"
	"errors"
	"sync"

	"github.com/xela07ax/webasset-gate/internal/browser"
)

// Операции страницы, которые можно "подвесить" до отмены контекста.
const (
	OpNavigate = "navigate"
	OpWait     = "wait"
	OpFill     = "fill"
	OpClick    = "click"
)

// Engine выдает фейковые страницы и помнит все выданные.
type Engine struct {
	mu    sync.Mutex
	pages []*Page

	// NewPageErr — ошибка получения страницы.
	NewPageErr error
	// Setup настраивает каждую новую страницу до возврата.
	Setup func(p *Page)
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) NewPage(ctx context.Context, opts browser.PageOptions) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.NewPageErr != nil {
		return nil, e.NewPageErr
	}
	p := &Page{
		Opts:    opts,
		visible: make(map[string]bool),
		hang:    make(map[string]bool),
		filled:  make(map[string]string),
		closed:  make(chan struct{}),
	}
	if e.Setup != nil {
		e.Setup(p)
	}

	e.mu.Lock()
	e.pages = append(e.pages, p)
	e.mu.Unlock()
	return p, nil
}

func (e *Engine) Pages() []*Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Page(nil), e.pages...)
}

// OpenPages — сколько выданных страниц еще не закрыто.
func (e *Engine) OpenPages() int {
	n := 0
	for _, p := range e.Pages() {
		if !p.IsClosed() {
			n++
		}
	}
	return n
}

// Page — страница без браузера. Видимость селекторов задает тест.
type Page struct {
	Opts browser.PageOptions

	mu         sync.Mutex
	url        string
	visible    map[string]bool
	hang       map[string]bool
	filled     map[string]string
	clicks     []string
	closeCalls int

	closeOnce sync.Once
	closed    chan struct{}
}

// Show делает селекторы видимыми.
func (p *Page) Show(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.visible[s] = true
	}
}

// Hang подвешивает операцию до отмены контекста вызова.
func (p *Page) Hang(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang[op] = true
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Filled(selector string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.filled[selector]
	return v, ok
}

func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

func (p *Page) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

func (p *Page) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Crash имитирует закрытие ресурса извне (крах вкладки, закрытое окно).
func (p *Page) Crash() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.enter(ctx, OpNavigate); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if err := p.enter(ctx, OpWait); err != nil {
		return err
	}
	if p.isVisible(selector) {
		return nil
	}
	// селектор так и не появился
	<-ctx.Done()
	return ctx.Err()
}

func (p *Page) Visible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p.IsClosed() {
		return false, browser.ErrPageClosed
	}
	return p.isVisible(selector), nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := p.enter(ctx, OpFill); err != nil {
		return err
	}
	if !p.isVisible(selector) {
		return errors.New("browsertest: no visible node for " + selector)
	}
	p.mu.Lock()
	p.filled[selector] = value
	p.mu.Unlock()
	return nil
}

func (p *Page) Click(ctx context.Context, selector string, _ bool) error {
	if err := p.enter(ctx, OpClick); err != nil {
		return err
	}
	if !p.isVisible(selector) {
		return errors.New("browsertest: no visible node for " + selector)
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	p.mu.Unlock()
	return nil
}

func (p *Page) Closed() <-chan struct{} {
	return p.closed
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.closeCalls++
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *Page) enter(ctx context.Context, op string) error {
	if p.IsClosed() {
		return browser.ErrPageClosed
	}
	p.mu.Lock()
	hang := p.hang[op]
	p.mu.Unlock()
	if hang {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return browser.ErrPageClosed
		}
	}
	return ctx.Err()
}

func (p *Page) isVisible(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector]
}

var (
	_ browser.Engine = (*Engine)(nil)
	_ browser.Page   = (*Page)(nil)
)
