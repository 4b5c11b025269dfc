package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/peoplepeeper/quota"
	"github.com/peoplepeeper/quota/admin"
	quotahttp "github.com/peoplepeeper/quota/http"
	"github.com/peoplepeeper/quota/metrics"
	"github.com/peoplepeeper/quota/service"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	conf, err := LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading config")
	}
	if level, err := zerolog.ParseLevel(conf.Log.Level); err == nil {
		logger = logger.Level(level)
	}

	client, err := quota.NewClient(
		quota.WithPostgresDSN(conf.Postgres.DSN),
		quota.WithRedisAddr(conf.Redis.Addr),
		quota.WithRedisPassword(conf.Redis.Password),
		quota.WithRedisDB(conf.Redis.DB),
		quota.WithNotifier(logNotifier{logger: logger}),
		quota.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("creating quota client")
	}
	defer client.Close()

	// Sync the plan catalog before serving so policy lookups resolve.
	if conf.Plans.File != "" {
		plans, err := admin.LoadPlansFromFile(conf.Plans.File)
		if err != nil {
			logger.Fatal().Err(err).Str("file", conf.Plans.File).Msg("loading plan catalog")
		}
		if err := admin.ApplyPlans(context.Background(), client.DB(), plans); err != nil {
			logger.Fatal().Err(err).Msg("applying plan catalog")
		}
		logger.Info().Int("plans", len(plans)).Msg("plan catalog applied")
	}

	srv := &server{client: client, logger: logger, jwtSecret: []byte(conf.Auth.JWTSecret)}

	httpServer := &http.Server{
		Addr:         conf.Server.Addr,
		Handler:      srv.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", conf.Server.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Fatal().Err(err).Msg("server failed")
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

type server struct {
	client    *quota.Client
	logger    zerolog.Logger
	jwtSecret []byte
}

func (s *server) routes() http.Handler {
	extract := quotahttp.BearerOrFingerprintExtractor(s.jwtSecret)

	gateCfg := quotahttp.DefaultMiddlewareConfig(s.jwtSecret)
	gateCfg.Logger = s.logger

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/quota", s.handleQuota(extract))

		r.Group(func(r chi.Router) {
			r.Use(quotahttp.QuotaMiddleware(s.client.Service(), gateCfg))
			r.Post("/searches", s.handleSearch)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin(extract))
			r.Post("/accounts/{id}/reset", s.handleReset)
			r.Put("/accounts/{id}/plan", s.handleAssignPlan)
			r.Put("/accounts/{id}/role", s.handleSetRole)
			r.Get("/plans", s.handleListPlans)
			r.Post("/plans", s.handleApplyPlans)
		})
	})

	return r
}

// handleQuota reports the caller's current quota without consuming it
func (s *server) handleQuota(extract quotahttp.IdentityExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := extract(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		decision, err := s.client.Evaluate(r.Context(), identity)
		if err != nil {
			s.logger.Error().Err(err).Msg("quota evaluation failed")
			http.Error(w, "quota check unavailable", http.StatusServiceUnavailable)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"allowed":       decision.Allowed,
			"limit":         decision.Limit,
			"remaining":     decision.Remaining,
			"unlimited":     decision.Unlimited,
			"reset_seconds": int(decision.ResetIn.Seconds()),
		})
	}
}

type searchRequest struct {
	Query       string `json:"query"`
	ResultCount int    `json:"result_count"`
}

// handleSearch accepts a completed search report. Quota was already
// consumed by the middleware; history logging failure is non-fatal.
func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	identity, _ := quotahttp.IdentityFromContext(r.Context())
	recorded := false
	if identity.Kind == service.AccountIdentityKind {
		recorded = s.client.RecordSearchHistory(r.Context(), identity, req.Query, req.ResultCount)
		if !recorded {
			metrics.RecordHistoryFailure()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":    req.Query,
		"recorded": recorded,
	})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if err := s.client.ResetDailyWindow(r.Context(), accountID); err != nil {
		// Administrative failures surface verbatim; no silent failure
		// on this path.
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": accountID})
}

func (s *server) handleAssignPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	accountID := chi.URLParam(r, "id")
	if err := admin.AssignPlan(r.Context(), s.client.DB(), accountID, req.Plan); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": accountID, "plan": req.Plan})
}

func (s *server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	accountID := chi.URLParam(r, "id")
	if err := admin.SetRole(r.Context(), s.client.DB(), accountID, req.Role); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": accountID, "role": req.Role})
}

func (s *server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := admin.ListPlans(r.Context(), s.client.DB())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

// handleApplyPlans upserts a YAML plan catalog sent in the request body
func (s *server) handleApplyPlans(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	plans, err := admin.ParsePlans(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := admin.ApplyPlans(r.Context(), s.client.DB(), plans); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.client.InvalidatePolicyCache()
	writeJSON(w, http.StatusOK, map[string]any{"applied": len(plans)})
}

// requireAdmin allows only identities carrying the admin role claim
func (s *server) requireAdmin(extract quotahttp.IdentityExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := extract(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if !identity.Admin {
				http.Error(w, "admin role required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(quotahttp.WithIdentity(r.Context(), identity)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// logNotifier surfaces quota transitions in the server log. A production
// deployment replaces this with the client-facing toast channel.
type logNotifier struct {
	logger zerolog.Logger
}

func (n logNotifier) QuotaDenied(_ context.Context, identity service.Identity) {
	n.logger.Info().
		Str("kind", string(identity.Kind)).
		Str("account_id", identity.AccountID).
		Msg("quota denied")
}

func (n logNotifier) QuotaExhausted(_ context.Context, identity service.Identity) {
	n.logger.Info().
		Str("kind", string(identity.Kind)).
		Str("account_id", identity.AccountID).
		Msg("quota exhausted")
}
