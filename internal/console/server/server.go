package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/webasset-gate/internal/console/handler"
	"github.com/xela07ax/webasset-gate/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers — обработчики бизнес-доменов. Admin может быть nil (Redis не настроен).
type Handlers struct {
	Health  *handler.HealthHandler
	Auth    *handler.AuthHandler
	Asset   *handler.AssetHandler
	Session *handler.SessionHandler
	Audit   *handler.AuditHandler
	Admin   *handler.AdminHandler
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка bearer-токенов IdP (RS256)
	authValidator auth.TokenValidator
	h             Handlers
}

func NewConsoleServer(validator auth.TokenValidator, h Handlers, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", s.h.Health.Check)
	r.Get("/api/health", s.h.Health.Check)

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (bearer-токен IdP) ---
	// Один и тот же набор доступен от корня и под /api (фронт ходит через /api).
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		s.protected(r)
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		s.protected(r)
	})
}

func (s *ConsoleServer) protected(r chi.Router) {
	r.Post("/auth/login", s.h.Auth.Login)
	r.Post("/auth/logout", s.h.Auth.Logout)

	r.Get("/assets", s.h.Asset.List)

	r.Post("/session/start", s.h.Session.Start)
	r.Route("/session/{id}", func(r chi.Router) {
		r.Get("/status", s.h.Session.Status)
		r.Post("/stop", s.h.Session.Stop)
	})
	r.Get("/sessions", s.h.Session.List)

	r.Get("/audit", s.h.Audit.GetLogs)

	if s.h.Admin == nil {
		return
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.h.Admin.RequireAdmin)
		r.Route("/operators/{id}", func(r chi.Router) {
			r.Post("/block", s.h.Admin.Block)     // Мгновенная блокировка, живые сессии гасятся
			r.Post("/unblock", s.h.Admin.Unblock) // Разблокировка
		})
		r.Route("/policies/{asset}", func(r chi.Router) {
			r.Put("/", s.h.Admin.SetPolicy)
			r.Delete("/", s.h.Admin.DeletePolicy)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
