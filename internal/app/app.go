// internal/app/app.go
package app

import (
	"context"
	"database/sql"
	"fmt"
	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/config"
	"lendingdesk/internal/eventstore"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// App is the assembled lending service.
type App struct {
	logger *zap.Logger

	Catalog *catalog.Catalog
	Lending *circulation.Engine
	Limiter *circulation.MemberLimiter
}

// Option adjusts how New assembles the app.
type Option func(*options)

type options struct {
	lending []circulation.Option
}

// WithLendingOptions passes options through to the circulation engine.
func WithLendingOptions(opts ...circulation.Option) Option {
	return func(o *options) { o.lending = append(o.lending, opts...) }
}

// New builds the catalog and lending engine on journal and replays every
// journaled event into them before returning.
func New(ctx context.Context, cfg config.Config, journal eventstore.Journal, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cat := catalog.NewService(catalog.NewLedger(), journal, logger.Named("catalog"))
	policy := circulation.Policy{
		LoanPeriod:     cfg.Lending.LoanPeriod(),
		FineRatePerDay: cfg.Lending.FineRatePerDay,
	}
	lending := circulation.NewService(cat.Ledger(), journal, policy, logger.Named("circulation"), o.lending...)

	a := &App{
		logger:  logger,
		Catalog: cat,
		Lending: lending,
		Limiter: circulation.NewMemberLimiter(cfg.Lending.IssueRequestsPerMinute, cfg.Lending.IssueRequestBurst),
	}

	start := time.Now()
	n, err := eventstore.Replay(ctx, journal, a.apply)
	if err != nil {
		return nil, fmt.Errorf("replay journal after %d events: %w", n, err)
	}
	logger.Info("journal replayed", zap.Int("events", n), zap.Duration("took", time.Since(start)))
	return a, nil
}

func (a *App) apply(e eventstore.Event) error {
	if err := a.Catalog.Apply(e); err != nil {
		return err
	}
	return a.Lending.Apply(context.Background(), e)
}

// OpenJournal returns the Postgres journal when a database URL is configured
// and an in-memory one otherwise. The returned close function is never nil.
func OpenJournal(ctx context.Context, cfg config.Config, logger *zap.Logger) (eventstore.Journal, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, journal is in memory and will not survive a restart")
		return eventstore.NewMemory(), func() error { return nil }, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	store := eventstore.NewPostgres(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

// Router mounts every endpoint behind the identity middleware. /healthz is
// left open for probes.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		catalog.NewHandler(a.Catalog).Routes(r)
		circulation.NewHandler(a.Lending, a.Limiter).Routes(r)
	})
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
