// Package server implements the Coordinator API (C6): a chi router wiring
// the Auth Gate, Metadata Store, Chain Gateway, and Identity Projection
// behind the routes clients and the Tail's sibling processes use.
// Structurally grounded on otc-gateway/server/server.go's Config/Server/New
// construction and middleware chain.
package server

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"votara/services/coordinator/auth"
	"votara/services/coordinator/chain"
	"votara/services/coordinator/identity"
	"votara/services/coordinator/metrics"
	"votara/services/coordinator/recon"
	"votara/services/coordinator/store"
)

// ChainClient is the subset of the Chain Gateway the API needs for group
// management, narrow enough to fake in handler tests without a live RPC
// endpoint (the same abstraction otc-gateway's server.go draws around its
// SwapClient dependency).
type ChainClient interface {
	CreateGroup(ctx context.Context) (string, string, error)
	AddMembers(ctx context.Context, groupID *big.Int, members [][32]byte) (string, error)
	PollExistsOnChain(ctx context.Context, pollID [32]byte) (bool, error)
	GroupID(ctx context.Context, pollID [32]byte) (*big.Int, error)
	MerkleTreeRoot(ctx context.Context, groupID *big.Int) (*big.Int, error)
	MerkleTreeDepth(ctx context.Context, groupID *big.Int) (*big.Int, error)
	MerkleTreeSize(ctx context.Context, groupID *big.Int) (*big.Int, error)
	Results(ctx context.Context, pollID [32]byte, optionCount int) ([]uint64, error)
}

var _ ChainClient = (*chain.Gateway)(nil)

// Config captures every dependency the API needs to construct its router.
type Config struct {
	Store       *store.Store
	Chain       ChainClient
	Projector   *identity.Projector
	NonceIssuer *auth.NonceIssuer
	Tokens      *auth.TokenIssuer
	Exporter    *recon.Exporter
	Metrics     *metrics.Metrics
	CORSOrigin  string
	HealthCheck func(ctx context.Context) error
	Now         func() time.Time
}

// Server encapsulates the Coordinator's HTTP surface.
type Server struct {
	store       *store.Store
	chain       ChainClient
	projector   *identity.Projector
	nonceIssuer *auth.NonceIssuer
	tokens      *auth.TokenIssuer
	exporter    *recon.Exporter
	metrics     *metrics.Metrics
	corsOrigin  string
	healthCheck func(ctx context.Context) error
	now         func() time.Time

	limiter *rateLimiter
	router  http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		store:       cfg.Store,
		chain:       cfg.Chain,
		projector:   cfg.Projector,
		nonceIssuer: cfg.NonceIssuer,
		tokens:      cfg.Tokens,
		exporter:    cfg.Exporter,
		metrics:     cfg.Metrics,
		corsOrigin:  cfg.CORSOrigin,
		healthCheck: cfg.HealthCheck,
		now:         cfg.Now,
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.limiter = newRateLimiter(map[string]rateLimit{
		"auth-nonce":   {RatePerSecond: 1, Burst: 5},
		"create-group": {RatePerSecond: 0.2, Burst: 2},
	})
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otelhttp.NewMiddleware("votara-coordinator"))
	r.Use(s.withCORS)
	r.Use(s.withMetrics)

	requireAuth := auth.Middleware(s.tokens, s.writeError)

	r.With(s.limiter.middleware("auth-nonce")).Get("/auth/nonce", s.handleAuthNonce)
	r.Post("/auth/verify", s.handleAuthVerify)

	r.With(requireAuth).Post("/polls", s.handleCreatePoll)
	r.Get("/polls", s.handleListPolls)
	r.Get("/polls/{id}", s.handleGetPoll)
	r.With(requireAuth).Put("/polls/{id}", s.handleUpdatePoll)
	r.With(requireAuth, s.limiter.middleware("create-group")).Post("/polls/{id}/create-group", s.handleCreateGroup)
	r.Get("/polls/{id}/results", s.handleResults)
	r.Get("/polls/{id}/group-members", s.handleGroupMembers)
	r.With(requireAuth).Get("/polls/{id}/export", s.handleExport)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", s.handleHealthz)

	return r
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveRequest(route, r.Method, http.StatusText(ww.Status()), time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			s.writeRaw(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	s.writeRaw(w, http.StatusOK, map[string]string{"status": "ok"})
}
