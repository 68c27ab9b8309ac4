package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"lead-engine/internal/automation"
	"lead-engine/internal/clock"
	"lead-engine/internal/engine"
	"lead-engine/internal/models"
	"lead-engine/internal/queue"
	"lead-engine/internal/ratelimit"
	"lead-engine/internal/store"
	"lead-engine/internal/telemetry"
	"lead-engine/internal/templates"
)

// Engine is the execution surface exposed to operators.
type Engine interface {
	Execute(ctx context.Context, automationID string, execType models.ExecutionType, triggerSource string) (models.ExecutionResult, error)
	ResolveClient(ctx context.Context, ref string) (models.Client, error)
	ConvertBatch(ctx context.Context, clientRef string, leadIDs []string) (models.BatchResult, error)
	ConvertAll(ctx context.Context, clientRef string, leadIDs []string) (models.BatchResult, error)
	GenerateHealthMetrics(ctx context.Context, period string) (models.HealthMetrics, error)
}

// Automations manages client automation records.
type Automations interface {
	SetupBasic(ctx context.Context, clientID string) (automation.SetupResult, error)
	SetupForClient(ctx context.Context, clientID, templateKey string, overrides automation.Settings) (automation.SetupResult, error)
	UpdateSettings(ctx context.Context, id string, in automation.Settings) (models.ClientAutomation, error)
	Pause(ctx context.Context, id string) (models.ClientAutomation, error)
	Resume(ctx context.Context, id string) (models.ClientAutomation, error)
	Deactivate(ctx context.Context, id string) (models.ClientAutomation, error)
	Inspect(ctx context.Context, id string) (models.AutomationInspection, error)
	ListDueNow(ctx context.Context) ([]models.ClientAutomation, error)
	Reset(ctx context.Context) (models.BulkDeleteResult, error)
	SearchID(ctx context.Context, id string) ([]models.IDMatch, error)
}

// Templates seeds and lists the automation catalog.
type Templates interface {
	Seed(ctx context.Context) (templates.SeedResult, error)
	List(ctx context.Context) ([]models.AutomationTemplate, error)
}

// Scheduler runs ticks on demand.
type Scheduler interface {
	Tick(ctx context.Context) models.TickSummary
	TickAt(ctx context.Context, now time.Time) models.TickSummary
}

// DeadLetters exposes exhausted retries.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]queue.RetryEntry, error)
}

// HealthReader returns stored rollups.
type HealthReader interface {
	LatestHealthMetrics(ctx context.Context, period string) (models.HealthMetrics, error)
}

// Pinger checks a backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Limiter throttles operator-triggered work.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps are the collaborators behind the HTTP surface. Limiter, DeadLetters and Pinger may be nil.
type Deps struct {
	Engine      Engine
	Automations Automations
	Templates   Templates
	Scheduler   Scheduler
	DeadLetters DeadLetters
	Health      HealthReader
	Limiter     Limiter
	Pinger      Pinger
	Clock       clock.Clock
}

// Server wires HTTP handlers for the operational API.
type Server struct {
	deps Deps
	log  zerolog.Logger
}

// New constructs the API server.
func New(deps Deps, log zerolog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Server{deps: deps, log: log.With().Str("component", "api").Logger()}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.healthz)

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/templates/seed", s.handleSeed)
	r.Get("/templates", s.handleListTemplates)

	r.Post("/clients/{clientID}/automations/basic", s.handleSetupBasic)
	r.Post("/clients/{clientID}/automations", s.handleSetup)

	r.Get("/automations/due", s.handleDue)
	r.Get("/automations/{id}", s.handleInspect)
	r.Patch("/automations/{id}", s.handleUpdate)
	r.Post("/automations/{id}/pause", s.handleFlag(Automations.Pause))
	r.Post("/automations/{id}/resume", s.handleFlag(Automations.Resume))
	r.Post("/automations/{id}/deactivate", s.handleFlag(Automations.Deactivate))
	r.Post("/automations/{id}/execute", s.handleExecute)

	r.Post("/scheduler/tick", s.handleTick)
	r.Post("/conversions/batch", s.handleBatch)
	r.Post("/health-metrics", s.handleGenerateMetrics)
	r.Get("/health-metrics/{period}", s.handleLatestMetrics)
	r.Get("/retries/dlq", s.handleDLQ)

	r.Delete("/admin/automations", s.handleReset)
	r.Get("/admin/search/{id}", s.handleSearch)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Templates.Seed(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Templates.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (s *Server) handleSetupBasic(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Automations.SetupBasic(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, setupStatus(res), res)
}

type setupRequest struct {
	TemplateKey string `json:"template_key"`
	automation.Settings
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TemplateKey == "" {
		http.Error(w, "template_key is required", http.StatusBadRequest)
		return
	}
	res, err := s.deps.Automations.SetupForClient(r.Context(), chi.URLParam(r, "clientID"), req.TemplateKey, req.Settings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, setupStatus(res), res)
}

func setupStatus(res automation.SetupResult) int {
	if res.Skipped {
		return http.StatusOK
	}
	return http.StatusCreated
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	due, err := s.deps.Automations.ListDueNow(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_time": clock.HHMM(s.deps.Clock.Now()),
		"automations":  due,
	})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	insp, err := s.deps.Automations.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var in automation.Settings
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	a, err := s.deps.Automations.UpdateSettings(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleFlag(op func(Automations, context.Context, string) (models.ClientAutomation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := op(s.deps.Automations, r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// handleExecute forces a manual run. Manual runs ignore the pause flag and the
// execution time but still honour the daily limit.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	insp, err := s.deps.Automations.Inspect(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.allow(w, r, insp.Automation.ClientID, "execute") {
		return
	}
	res, err := s.deps.Engine.Execute(r.Context(), id, models.ExecutionManual, "debug")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTick runs the scheduler now, or at ?at=HH:MM on the current day.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	at := r.URL.Query().Get("at")
	if at == "" {
		writeJSON(w, http.StatusOK, s.deps.Scheduler.Tick(r.Context()))
		return
	}
	if !clock.ValidHHMM(at) {
		http.Error(w, "at must be HH:MM", http.StatusBadRequest)
		return
	}
	hm, _ := time.Parse("15:04", at)
	day := clock.StartOfDay(s.deps.Clock.Now())
	forced := day.Add(time.Duration(hm.Hour())*time.Hour + time.Duration(hm.Minute())*time.Minute)
	writeJSON(w, http.StatusOK, s.deps.Scheduler.TickAt(r.Context(), forced))
}

type batchRequest struct {
	Client  string   `json:"client"`
	LeadIDs []string `json:"lead_ids"`
	Micro   bool     `json:"micro"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Client == "" || len(req.LeadIDs) == 0 {
		http.Error(w, "client and lead_ids are required", http.StatusBadRequest)
		return
	}
	client, err := s.deps.Engine.ResolveClient(r.Context(), req.Client)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.allow(w, r, client.ID, "batch") {
		return
	}

	convert := s.deps.Engine.ConvertAll
	if req.Micro {
		convert = s.deps.Engine.ConvertBatch
	}
	res, err := convert(r.Context(), client.ID, req.LeadIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGenerateMetrics(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = models.PeriodHourly
	}
	if !validPeriod(period) {
		http.Error(w, "period must be hourly, daily or weekly", http.StatusBadRequest)
		return
	}
	m, err := s.deps.Engine.GenerateHealthMetrics(r.Context(), period)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")
	if !validPeriod(period) {
		http.Error(w, "period must be hourly, daily or weekly", http.StatusBadRequest)
		return
	}
	m, err := s.deps.Health.LatestHealthMetrics(r.Context(), period)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func validPeriod(p string) bool {
	return p == models.PeriodHourly || p == models.PeriodDaily || p == models.PeriodWeekly
}

// handleDLQ returns retries that ran out of attempts.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []queue.RetryEntry{}})
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.deps.DeadLetters.DLQPeek(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Automations.Reset(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !res.Complete() {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	matches, err := s.deps.Automations.SearchID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// allow consumes a rate limit token for the client and writes 429 when none is left.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, clientID, action string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	allowed, _, err := s.deps.Limiter.Allow(r.Context(), ratelimit.Key(clientID, action))
	if err != nil {
		s.log.Error().Err(err).Str("client_id", clientID).Msg("rate limiter")
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *templates.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": verr.Error(), "problems": verr.Problems})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrClientNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrBatchTooLarge):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, automation.ErrTemplateInactive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Pinger.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
