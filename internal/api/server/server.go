package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/api/handler"
	"github.com/xela07ax/agentbank-core/internal/api/service"
	"github.com/xela07ax/agentbank-core/internal/engine"
	"github.com/xela07ax/agentbank-core/internal/infra/auth"
)

type Options struct {
	// Validator nil: аутентификация выключена (локальная разработка, тесты).
	Validator auth.TokenValidator
	// Metrics монтируется на MetricsPath, если задан.
	Metrics     http.Handler
	MetricsPath string
	Decimals    int32
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	opts   Options

	commitments *handler.CommitmentHandler
	accounts    *handler.AccountHandler
	escrows     *handler.EscrowHandler
	receipts    *handler.ReceiptHandler
	registry    *handler.RegistryHandler
	admin       *handler.AdminHandler
}

// New собирает HTTP-поверхность над ядром.
func New(bank *service.Bank, opts Options, logger *zap.Logger) *Server {
	logger = logger.Named("api")
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger,
		opts:        opts,
		commitments: handler.NewCommitmentHandler(bank, logger),
		accounts:    handler.NewAccountHandler(bank, opts.Decimals, logger),
		escrows:     handler.NewEscrowHandler(bank, logger),
		receipts:    handler.NewReceiptHandler(bank, logger),
		registry:    handler.NewRegistryHandler(bank, logger),
		admin:       handler.NewAdminHandler(bank, logger),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.opts.Metrics != nil && s.opts.MetricsPath != "" {
		r.Handle(s.opts.MetricsPath, s.opts.Metrics)
	}
	// Проверка квитанций офлайн-свойство: ключ не нужен.
	r.Post("/v1/receipts/verify", s.receipts.Verify)

	// --- 3. Защищенный периметр ---
	r.Group(func(r chi.Router) {
		if s.opts.Validator != nil {
			r.Use(auth.NewMiddleware(s.opts.Validator, s.logger))
		}

		r.Post("/v1/commitments", s.commitments.Create)
		r.Get("/v1/commitments/{sender}/{intentID}", s.commitments.Get)
		r.Post("/v1/intents/propose", s.commitments.Propose)
		r.Get("/v1/agents/{id}/receipts", s.commitments.Receipts)

		r.Route("/v1/accounts/{owner}/{asset}", func(r chi.Router) {
			r.Get("/", s.accounts.Get)
			r.Get("/entries", s.accounts.Entries)
			r.Get("/verify", s.accounts.Verify)
		})
		r.Get("/v1/supply", s.accounts.Supply)

		r.Route("/v1/escrows", func(r chi.Router) {
			r.Post("/", s.escrows.Create)
			r.Get("/", s.escrows.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.escrows.Get)
				r.Get("/receipts", s.escrows.Receipts)
				r.Post("/{action}", s.escrows.Transition)
			})
		})

		r.Get("/v1/identities/{id}", s.registry.GetIdentity)
		r.Post("/v1/budgets", s.registry.CreateBudget)
		r.Get("/v1/budgets/{id}", s.registry.GetBudget)
		r.Post("/v1/permits", s.registry.RegisterPermit)
		r.Get("/v1/permits/{id}", s.registry.GetPermit)

		r.Get("/v1/issuer", s.admin.IssuerStatus)
		r.Get("/v1/issuer/receipts", s.admin.IssuerReceipts)

		// --- 4. Control plane: только scope admin ---
		r.Route("/v1/admin", func(r chi.Router) {
			if s.opts.Validator != nil {
				r.Use(auth.RequireScope(auth.ScopeAdmin))
			}
			r.Post("/identities", s.registry.RegisterIdentity)
			r.Post("/agents/{id}/freeze", s.admin.Freeze())
			r.Post("/agents/{id}/unfreeze", s.admin.Unfreeze())
			r.Post("/permits/{id}/revoke", s.admin.Revoke())
			r.Post("/permits/{id}/reinstate", s.admin.Reinstate())
			r.Post("/mint", s.admin.Mint)
			r.Post("/burn", s.admin.Burn)
			r.Post("/issuer/halt", s.admin.SetHalted(true))
			r.Post("/issuer/resume", s.admin.SetHalted(false))
			r.Post("/issuer/attest", s.admin.Attest)
		})
	})
}

// requestLogger: access log через zap вместо стандартного log.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("trace_id", engine.TraceIDFrom(r.Context())))
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
