package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// routeGroup is one mount point under the API prefix. A group without a
// registrar serves not_implemented so clients get a stable error shape
// while the surface is being rolled out.
type routeGroup struct {
	path        string
	name        string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      []*routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

func newRouterConfig() *routerConfig {
	return &routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		groups: []*routeGroup{
			{path: "/returns", name: "returns"},
			{path: "/sla", name: "sla"},
			{path: "/webhooks", name: "webhooks"},
			{path: "/internal", name: "internal"},
		},
	}
}

func (cfg *routerConfig) group(path string) *routeGroup {
	for _, group := range cfg.groups {
		if group.path == path {
			return group
		}
	}
	group := &routeGroup{path: path, name: strings.TrimPrefix(path, "/")}
	cfg.groups = append(cfg.groups, group)
	return group
}

// NewRouter constructs the chi router with shared middleware, the health
// endpoints, and the versioned API groups.
func NewRouter(opts ...Option) chi.Router {
	cfg := newRouterConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", "method "+req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range cfg.groups {
			group := group
			api.Route(group.path, func(gr chi.Router) {
				for _, mw := range group.middlewares {
					if mw != nil {
						gr.Use(mw)
					}
				}
				if group.registrar != nil {
					group.registrar(gr)
					return
				}
				stub := notImplementedHandler(group.name)
				gr.HandleFunc("/", stub)
				gr.HandleFunc("/*", stub)
				gr.NotFound(stub)
				gr.MethodNotAllowed(stub)
			})
		}
	})

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithReturnRoutes configures the registrar responsible for return lifecycle endpoints.
func WithReturnRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group("/returns").registrar = reg
	}
}

// WithSLARoutes configures the registrar responsible for SLA reporting endpoints.
func WithSLARoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group("/sla").registrar = reg
	}
}

// WithWebhookRoutes configures the registrar responsible for carrier and payment webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group("/webhooks").registrar = reg
	}
}

// WithWebhookMiddlewares configures middlewares applied to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		group := cfg.group("/webhooks")
		group.middlewares = append(group.middlewares, mw...)
	}
}

// WithInternalRoutes configures the registrar responsible for internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group("/internal").registrar = reg
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		group := cfg.group("/internal")
		group.middlewares = append(group.middlewares, mw...)
	}
}

func notImplementedHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
	}
}
