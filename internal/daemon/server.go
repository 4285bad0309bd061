// Package daemon is the long-lived mnemod process: an HTTP server speaking a
// JSON-RPC 2.0 envelope, enforcing auth, tenant isolation, rate limits, and
// per-request bounds in front of the recorder, builder, and consolidator.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/builder"
	"github.com/dotcommander/mnemo/internal/consolidator"
	"github.com/dotcommander/mnemo/internal/export"
	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/recorder"
	"github.com/dotcommander/mnemo/internal/retrieval"
	"github.com/dotcommander/mnemo/internal/store"
	"github.com/dotcommander/mnemo/internal/tokens"
	"github.com/dotcommander/mnemo/internal/wal"
	"github.com/dotcommander/mnemo/pkg/hotset"
)

const (
	walReplayInterval = 30 * time.Second

	vectorBackfillInterval = 15 * time.Second
	vectorBackfillBatch    = 200
)

// Server is one daemon instance.
type Server struct {
	cfg app.Config
	db  *sql.DB
	log *zap.Logger

	rec  *recorder.Recorder
	bld  *builder.Builder
	vec  *retrieval.VectorIndex
	cons *consolidator.Consolidator
	exp  *export.Exporter
	wal  *wal.Log

	limiter *rateLimiter
	metrics *metrics
	methods map[string]methodFunc

	httpServer *http.Server
}

type methodFunc func(ctx context.Context, scope scopeParams, params json.RawMessage) (any, error)

// scopeParams is the isolation envelope every request carries.
type scopeParams struct {
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	Channel   models.Channel `json:"channel"`
	RequestID string         `json:"request_id"`
}

func (p scopeParams) scope() models.Scope {
	return models.Scope{
		TenantID:  p.TenantID,
		SessionID: p.SessionID,
		AgentID:   p.AgentID,
		Channel:   p.Channel,
	}
}

// New wires a Server and its components from one config.
func New(cfg app.Config, db *sql.DB, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	est, err := tokens.New(cfg.Tokenizer)
	if err != nil {
		return nil, err
	}
	rec, err := recorder.New(db, cfg, est, log)
	if err != nil {
		return nil, err
	}

	var vec *retrieval.VectorIndex
	if cfg.Retrieval.SemanticEnabled {
		vec, err = retrieval.NewVectorIndex(cfg.Embedding, retrieval.NewEmbedder(cfg.Embedding), log)
		if err != nil {
			return nil, err
		}
	}
	ret := retrieval.New(db, cfg, vec, log)
	hot := hotset.New(cfg.Retrieval.HotsetRecentMax)
	bld := builder.New(db, cfg, ret, hot, est, log)

	var wlog *wal.Log
	if cfg.WALPath != "" {
		wlog, err = wal.Open(cfg.WALPath, log)
		if err != nil {
			return nil, err
		}
	}

	exp := export.New(db)
	exp.MaxPageReads = cfg.Limits.MaxFileReadsPerCall

	s := &Server{
		cfg:     cfg,
		db:      db,
		log:     log,
		rec:     rec,
		bld:     bld,
		vec:     vec,
		cons:    consolidator.New(db, cfg, est, log),
		exp:     exp,
		wal:     wlog,
		limiter: newRateLimiter(cfg.Limits.RequestsPerMinute),
		metrics: newMetrics(),
	}
	s.methods = s.methodTable()
	return s, nil
}

// Handler builds the HTTP surface: /rpc, /healthz, /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", s.metrics.handler())
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/rpc", s.handleRPC)
	})
	return r
}

// Run serves until ctx is cancelled: the HTTP listener, the consolidation
// scheduler, and the WAL replay loop run as one group.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("mnemod listening", zap.String("addr", s.cfg.Listen))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.cons.Start(ctx)
		return nil
	})
	if s.wal != nil {
		g.Go(func() error {
			s.walLoop(ctx)
			return nil
		})
	}
	if s.vec != nil {
		g.Go(func() error {
			s.vectorLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

// authMiddleware enforces bearer-token auth. An empty token list means auth
// is disabled (local development).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.AuthTokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			presented := auth[len(prefix):]
			for _, tok := range s.cfg.AuthTokens {
				if presented == tok {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Limits.MaxBytesReadPerCall))
	if err != nil {
		writeError(w, nil, codeOversizePayload, "request body exceeds the per-call byte limit")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, codeParseError, "malformed JSON-RPC request")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeError(w, req.ID, codeInvalidRequest, "jsonrpc must be \"2.0\" and method must be set")
		return
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		writeError(w, req.ID, codeMethodNotFound, "unknown method "+req.Method)
		return
	}

	var scope scopeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &scope); err != nil {
			writeError(w, req.ID, codeInvalidParams, "params must be a JSON object")
			return
		}
	}
	if scope.RequestID == "" {
		scope.RequestID = uuid.NewString()
	}

	start := time.Now()
	if !s.limiter.allow(scope.TenantID, start) {
		err := models.E(models.ErrPolicyRejected, "rate limit exceeded for tenant %s", scope.TenantID).
			WithDetail("retry_after", "60s")
		s.finish(w, r, req, scope, start, nil, err)
		return
	}

	deadline := time.Duration(s.cfg.Limits.RequestDeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 1500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	result, err := handler(ctx, scope, req.Params)
	s.finish(w, r, req, scope, start, result, err)
}

// finish emits the response, metrics, the request log line, and the audit
// row for one RPC.
func (s *Server) finish(w http.ResponseWriter, _ *http.Request, req rpcRequest, scope scopeParams, start time.Time, result any, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(models.KindOf(err))
	}
	elapsed := time.Since(start)

	s.metrics.requestsTotal.WithLabelValues(req.Method, outcome).Inc()
	s.metrics.requestSeconds.WithLabelValues(req.Method).Observe(elapsed.Seconds())
	s.log.Debug("rpc",
		zap.String("method", req.Method),
		zap.String("request_id", scope.RequestID),
		zap.String("tenant_id", scope.TenantID),
		zap.String("agent_id", scope.AgentID),
		zap.Int64("elapsed_ms", elapsed.Milliseconds()),
		zap.String("outcome", outcome))

	s.audit(scope, req.Method, outcome)

	if err != nil {
		writeResponse(w, &rpcResponse{ID: req.ID, RequestID: scope.RequestID, Error: rpcErrorFor(err)})
		return
	}
	writeResponse(w, &rpcResponse{ID: req.ID, RequestID: scope.RequestID, Result: result})
}

func (s *Server) audit(scope scopeParams, method, outcome string) {
	details, _ := json.Marshal(map[string]string{"request_id": scope.RequestID})
	rec := &models.AuditRecord{
		TenantID:  scope.TenantID,
		AgentID:   scope.AgentID,
		EventType: "rpc",
		Action:    method,
		Outcome:   outcome,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.AppendAudit(s.db, rec); err != nil {
		s.log.Warn("audit append failed", zap.String("method", method), zap.Error(err))
	}
}

// walLoop replays deferred writes on startup and on an interval, keeping the
// pending gauge current.
func (s *Server) walLoop(ctx context.Context) {
	s.replayWAL()
	ticker := time.NewTicker(walReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.replayWAL()
		}
	}
}

// vectorLoop keeps the semantic index caught up with the chunk table.
func (s *Server) vectorLoop(ctx context.Context) {
	s.backfillVectors(ctx)
	ticker := time.NewTicker(vectorBackfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.backfillVectors(ctx)
		}
	}
}

// backfillVectors drains pending embeddings per tenant until a batch comes
// back empty.
func (s *Server) backfillVectors(ctx context.Context) {
	tenants, err := store.ListTenants(s.db)
	if err != nil {
		s.log.Warn("vector backfill skipped", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		for {
			n, err := s.vec.Backfill(ctx, s.db, tenant, vectorBackfillBatch)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("vector backfill failed", zap.String("tenant_id", tenant), zap.Error(err))
				}
				return
			}
			if n == 0 {
				break
			}
		}
	}
}

func (s *Server) replayWAL() {
	n, err := s.wal.Replay(func(e wal.Entry) error {
		_, applyErr := store.RunIdempotent(s.db, e.Draft.Scope.TenantID, e.RequestID, "record_event",
			func(tx *sql.Tx) (*recorder.Result, error) {
				return s.rec.AppendTx(tx, e.Draft, time.Now().UTC())
			})
		return applyErr
	})
	if err != nil {
		s.log.Warn("wal replay incomplete", zap.Int("replayed", n), zap.Error(err))
	}
	pending, _ := s.wal.Pending()
	s.metrics.walPending.Set(float64(len(pending)))
}
