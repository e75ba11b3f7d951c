package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromeConfig — параметры общего процесса браузера.
type ChromeConfig struct {
	RemoteURL      string // ws://host:9222 — подключиться к уже запущенному браузеру
	Headless       bool
	UserAgent      string
	Width          int
	Height         int
	RecordInterval time.Duration
	Recipients     []age.Recipient
}

// ChromeEngine держит один браузер; каждая страница живет в своем browser context.
type ChromeEngine struct {
	cfg           ChromeConfig
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

// NewChromeEngine запускает (или подключает) браузер. ctx ограничивает только старт.
func NewChromeEngine(ctx context.Context, cfg ChromeConfig, logger *zap.Logger) (*ChromeEngine, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.UserAgent(cfg.UserAgent),
			chromedp.WindowSize(cfg.Width, cfg.Height),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	logger = logger.Named("browser")
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	// Первый Run на browserCtx без таймаута: его контекст владеет процессом браузера
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser: start: %w", err)
	}

	logger.Info("browser initialized", zap.Bool("remote", cfg.RemoteURL != ""), zap.Bool("headless", cfg.Headless))
	return &ChromeEngine{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

// Close гасит браузер вместе со всеми оставшимися контекстами.
func (e *ChromeEngine) Close() error {
	err := chromedp.Cancel(e.browserCtx)
	e.browserCancel()
	e.allocCancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *ChromeEngine) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	if opts.Width == 0 {
		opts.Width = e.cfg.Width
	}
	if opts.Height == 0 {
		opts.Height = e.cfg.Height
	}
	if opts.UserAgent == "" {
		opts.UserAgent = e.cfg.UserAgent
	}

	tabCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())

	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx,
		emulation.SetUserAgentOverride(opts.UserAgent),
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
	)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("browser: open page: %w", err)
	}

	p := &chromePage{
		tabCtx: tabCtx,
		cancel: cancel,
		closed: make(chan struct{}),
		loaded: make(chan struct{}),
		logger: e.logger.With(zap.String("session_id", opts.SessionID)),
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)
	go func() {
		<-tabCtx.Done()
		p.markClosed()
	}()

	if opts.RecordDir != "" {
		sink, err := NewDirSink(filepath.Join(opts.RecordDir, opts.SessionID), e.cfg.Recipients)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.recorder = NewRecorder(p.screenshot, sink, e.cfg.RecordInterval, p.logger)
		p.recorder.Start(tabCtx)
	}
	return p, nil
}

type chromePage struct {
	tabCtx   context.Context
	cancel   context.CancelFunc
	recorder *Recorder
	logger   *zap.Logger

	closeOnce  sync.Once
	closedOnce sync.Once
	closed     chan struct{}

	loadMu sync.Mutex
	loaded chan struct{} // закрывается на следующем load event
}

func (p *chromePage) onEvent(ev interface{}) {
	switch ev.(type) {
	case *page.EventLoadEventFired:
		p.loadMu.Lock()
		close(p.loaded)
		p.loaded = make(chan struct{})
		p.loadMu.Unlock()
	case *inspector.EventDetached, *inspector.EventTargetCrashed:
		p.logger.Warn("browser target gone")
		go p.markClosed()
	}
}

func (p *chromePage) nextLoad() <-chan struct{} {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	return p.loaded
}

func (p *chromePage) markClosed() {
	p.closedOnce.Do(func() { close(p.closed) })
}

// run исполняет действия на вкладке с дедлайном и отменой вызывающего.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	select {
	case <-p.closed:
		return ErrPageClosed
	default:
	}

	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if dl, ok := ctx.Deadline(); ok {
		actx, cancel = context.WithDeadline(p.tabCtx, dl)
	} else {
		actx, cancel = context.WithCancel(p.tabCtx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(actx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	select {
	case <-p.closed:
		return ErrPageClosed
	default:
		return err
	}
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, queryOption(selector)))
}

func (p *chromePage) Visible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	if err := p.run(ctx, chromedp.Evaluate(visibilityScript(selector), &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	by := queryOption(selector)
	return p.run(ctx,
		chromedp.WaitVisible(selector, by),
		chromedp.SetValue(selector, "", by),
		chromedp.SendKeys(selector, value, by),
	)
}

func (p *chromePage) Click(ctx context.Context, selector string, waitNavigation bool) error {
	loaded := p.nextLoad()
	if err := p.run(ctx, chromedp.Click(selector, queryOption(selector), chromedp.NodeVisible)); err != nil {
		return err
	}
	if !waitNavigation {
		return nil
	}
	select {
	case <-loaded:
		return nil
	case <-p.closed:
		return ErrPageClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chromePage) Closed() <-chan struct{} {
	return p.closed
}

// Close освобождает browser context. Повторный вызов — no-op.
func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.recorder != nil {
			frames := p.recorder.Stop()
			p.logger.Info("recording finished", zap.Int("frames", frames))
		}
		err = chromedp.Cancel(p.tabCtx)
		p.cancel()
		p.markClosed()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}

func (p *chromePage) screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func queryOption(selector string) chromedp.QueryOption {
	if IsXPath(selector) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// visibilityScript — JS проверка, что элемент есть и реально отрисован.
func visibilityScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	find := fmt.Sprintf("document.querySelector(%s)", quoted)
	if IsXPath(selector) {
		find = fmt.Sprintf("document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue", quoted)
	}
	return fmt.Sprintf(`(() => {
	let el;
	try { el = %s; } catch (e) { return false; }
	if (!el) return false;
	const s = window.getComputedStyle(el);
	if (s.visibility === 'hidden' || s.display === 'none') return false;
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
})()`, find)
}
