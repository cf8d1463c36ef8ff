package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"chainid/core/contract"
	"chainid/core/identity"
	"chainid/core/rewards"
	"chainid/core/session"
	"chainid/core/tracker"
	gatewaycfg "chainid/gateway/config"
	"chainid/gateway/middleware"
)

// Session is the slice of a session the gateway drives.
type Session interface {
	Register(ctx context.Context, address string, level identity.Level) (*session.Registration, error)
	LoadAllStats(ctx context.Context) (session.Stats, error)
	Hello(ctx context.Context, name string) (string, error)
	Verify(ctx context.Context, address string) (bool, error)
	Administer(ctx context.Context, action session.AdminAction, address string) (*session.AdminState, error)
	AdminStatus(ctx context.Context) (*session.AdminState, error)
	Claim(ctx context.Context, platform, claimant string) (*rewards.Payment, error)
	Platforms(claimant string) []rewards.Descriptor
	Deploy(ctx context.Context) ([]contract.AppReference, error)
	Tracker() *tracker.Tracker
	Network() string
	Sender() string
}

type Config struct {
	Session       Session
	Notifications http.Handler
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          gatewaycfg.CORSConfig
	// Tracing wraps the router in otelhttp spans.
	Tracing     bool
	ServiceName string
}

type healthResponse struct {
	Status  string `json:"status"`
	Network string `json:"network"`
	Sender  string `json:"sender"`
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Session == nil {
		return nil, errors.New("routes: session is required")
	}
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:  "ok",
			Network: cfg.Session.Network(),
			Sender:  cfg.Session.Sender(),
		})
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	guard := func(sr chi.Router, limitKey string, scopes ...string) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(limitKey))
		}
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware(scopes...))
		}
	}

	ir := &identityRoutes{session: cfg.Session}
	rr := &rewardsRoutes{session: cfg.Session}
	ar := &actionsRoutes{session: cfg.Session}

	r.Route("/identity", func(sr chi.Router) {
		sr.Group(func(g chi.Router) {
			guard(g, gatewaycfg.LimitIdentity, middleware.ScopeRead)
			ir.mountRead(g)
		})
		sr.Group(func(g chi.Router) {
			guard(g, gatewaycfg.LimitIdentity, middleware.ScopeIdentityWrite)
			ir.mountWrite(g)
		})
	})
	r.Route("/rewards", func(sr chi.Router) {
		sr.Group(func(g chi.Router) {
			guard(g, gatewaycfg.LimitRewards, middleware.ScopeRead)
			rr.mountRead(g)
		})
		sr.Group(func(g chi.Router) {
			guard(g, gatewaycfg.LimitRewards, middleware.ScopeRewardsClaim)
			rr.mountClaim(g)
		})
	})
	r.Route("/actions", func(sr chi.Router) {
		guard(sr, gatewaycfg.LimitActions, middleware.ScopeRead)
		ar.mount(sr)
	})
	r.Group(func(g chi.Router) {
		guard(g, gatewaycfg.LimitActions, middleware.ScopeAdmin)
		g.Post("/contracts/deploy", ar.deploy)
		g.Route("/admin", ir.mountAdmin)
	})
	if cfg.Notifications != nil {
		r.Group(func(g chi.Router) {
			guard(g, gatewaycfg.LimitActions, middleware.ScopeRead)
			g.Handle("/ws/notifications", cfg.Notifications)
		})
	}

	if !cfg.Tracing {
		return r, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "chainid-gateway"
	}
	return otelhttp.NewHandler(r, name,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	), nil
}
