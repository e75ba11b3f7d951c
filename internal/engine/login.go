package engine

import (
	"context"
	"errors"
	"time"

	"github.com/xela07ax/webasset-gate/internal/browser"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.uber.org/zap"
)

// Шаги логин-сценария. Попадают в лог, аудит и метрики, но не в ответ клиенту.
const (
	stepOpenPage     = "open_page"
	stepNavigate     = "navigate"
	stepWaitForm     = "wait_form"
	stepFillIdentity = "fill_identity"
	stepFillPassword = "fill_password"
	stepSubmit       = "submit"
)

// Кандидаты эвристики для произвольных сайтов. Порядок важен: берется первый видимый.
var (
	identityCandidates = []string{
		`input[type="text"]`,
		`input[name="username"]`,
		`input[name="email"]`,
		`input[id="username"]`,
		`input[id="email"]`,
		`input[type="email"]`,
	}
	passwordCandidates = []string{
		`input[type="password"]`,
		`input[name="password"]`,
	}
	submitCandidates = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`//button[contains(normalize-space(.), "Login")]`,
		`//button[contains(normalize-space(.), "Entrar")]`,
		`//button[contains(normalize-space(.), "Sign in")]`,
	}
	// secondFactorHints — общие признаки запроса второго фактора.
	secondFactorHints = []string{
		`input[name="otp"]`,
		`input[name="token"]`,
		`input[autocomplete="one-time-code"]`,
	}
)

// loginRunner прогоняет сценарий входа на одной странице.
type loginRunner struct {
	page       browser.Page
	navTimeout time.Duration
	selTimeout time.Duration
	logger     *zap.Logger
}

func (r *loginRunner) run(ctx context.Context, def domain.AssetDefinition, creds *domain.CredentialBundle) error {
	if err := r.step(ctx, stepNavigate, r.navTimeout, func(ctx context.Context) error {
		return r.page.Navigate(ctx, def.LoginURL)
	}); err != nil {
		return err
	}

	if def.Heuristic() {
		return r.heuristic(ctx, creds.Identity(def.IdentityField), creds.Secret)
	}
	return r.scripted(ctx, def.Selectors, creds.Identity(def.IdentityField), creds.Secret)
}

// scripted — объявленные селекторы. Любой сбой шага валит старт сессии.
func (r *loginRunner) scripted(ctx context.Context, sel *domain.FieldSelectors, identity, secret string) error {
	if err := r.step(ctx, stepWaitForm, r.selTimeout, func(ctx context.Context) error {
		return r.page.WaitVisible(ctx, sel.Username)
	}); err != nil {
		return err
	}
	if err := r.step(ctx, stepFillIdentity, r.selTimeout, func(ctx context.Context) error {
		return r.page.Fill(ctx, sel.Username, identity)
	}); err != nil {
		return err
	}
	if err := r.step(ctx, stepFillPassword, r.selTimeout, func(ctx context.Context) error {
		return r.page.Fill(ctx, sel.Password, secret)
	}); err != nil {
		return err
	}
	if err := r.step(ctx, stepSubmit, r.navTimeout, func(ctx context.Context) error {
		return r.page.Click(ctx, sel.Submit, true)
	}); err != nil {
		return err
	}

	hints := secondFactorHints
	if sel.SecondFactor != "" {
		hints = []string{sel.SecondFactor}
	}
	r.detectSecondFactor(ctx, hints)
	return nil
}

// heuristic — best-effort: ненайденные поля и кнопка не считаются ошибкой,
// сессия остается для ручного входа. Валит старт только сбой навигации и отмена.
func (r *loginRunner) heuristic(ctx context.Context, identity, secret string) error {
	if sel, ok := r.firstVisible(ctx, identityCandidates); ok {
		if err := r.step(ctx, stepFillIdentity, r.selTimeout, func(ctx context.Context) error {
			return r.page.Fill(ctx, sel, identity)
		}); err != nil {
			return err
		}
	} else {
		r.logger.Info("no identity field detected")
	}

	if sel, ok := r.firstVisible(ctx, passwordCandidates); ok {
		if err := r.step(ctx, stepFillPassword, r.selTimeout, func(ctx context.Context) error {
			return r.page.Fill(ctx, sel, secret)
		}); err != nil {
			return err
		}
	} else {
		r.logger.Info("no password field detected")
	}

	sel, ok := r.firstVisible(ctx, submitCandidates)
	if !ok {
		r.logger.Info("no submit control detected, leaving session for manual login")
		return ctx.Err()
	}

	navCtx, cancel := context.WithTimeout(ctx, r.navTimeout)
	err := r.page.Click(navCtx, sel, true)
	cancel()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, browser.ErrPageClosed) {
			return &domain.StepError{Step: stepSubmit, Err: err}
		}
		// навигации после клика может и не быть (SPA, ошибка входа)
		r.logger.Info("submit did not navigate", zap.Error(err))
	}

	r.detectSecondFactor(ctx, secondFactorHints)
	return ctx.Err()
}

// detectSecondFactor только сообщает о втором факторе: ввод остается оператору.
func (r *loginRunner) detectSecondFactor(ctx context.Context, hints []string) {
	if sel, ok := r.firstVisible(ctx, hints); ok {
		r.logger.Info("second factor challenge detected, waiting for manual input", zap.String("hint", sel))
	}
}

func (r *loginRunner) firstVisible(ctx context.Context, candidates []string) (string, bool) {
	for _, sel := range candidates {
		if ctx.Err() != nil {
			return "", false
		}
		vctx, cancel := context.WithTimeout(ctx, r.selTimeout)
		visible, err := r.page.Visible(vctx, sel)
		cancel()
		if err == nil && visible {
			return sel, true
		}
	}
	return "", false
}

func (r *loginRunner) step(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := fn(sctx); err != nil {
		return &domain.StepError{
			Step:    name,
			Timeout: errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil,
			Err:     err,
		}
	}
	return nil
}
