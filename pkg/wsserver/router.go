// Package wsserver is the server engine: per-connection dispatch
// pipeline, route table composition, pub/sub delivery to local
// subscribers, and the HTTP upgrade/health/metrics surface. Features
// (validator, rate limits, lifecycle hooks) are composed explicitly at
// construction; there is no runtime plugin registry.
package wsserver

import (
	"fmt"
	"sync"

	"github.com/wskit/wskit/pkg/audit"
	"github.com/wskit/wskit/pkg/envelope"
	"github.com/wskit/wskit/pkg/ratelimit"
	"github.com/wskit/wskit/pkg/route"
	"github.com/wskit/wskit/pkg/validator"
	"github.com/wskit/wskit/pkg/wslog"
	"github.com/wskit/wskit/pkg/wsmetrics"
)

// UnknownTypePolicy controls step 4 of the dispatch pipeline when no
// route is registered for an inbound type.
type UnknownTypePolicy int

const (
	// UnknownTypeDrop silently ignores the frame. This is the default.
	UnknownTypeDrop UnknownTypePolicy = iota
	// UnknownTypeEmit sends an UNKNOWN_TYPE error frame back to the
	// client.
	UnknownTypeEmit
)

// ConnectHandler fires when a connection enters the active set, before
// any inbound frame is processed.
type ConnectHandler func(ctx route.Context)

// DisconnectHandler fires after a connection's subscriptions have been
// torn down and it leaves the active set.
type DisconnectHandler func(ctx route.Context, reason string)

// hooks bundles the ordered onOpen/onClose lists a Router carries.
// Merge and Mount concatenate these lists across routers.
type hooks struct {
	onOpen  []ConnectHandler
	onClose []DisconnectHandler
}

// Router composes a route table, an optional per-route rate limit, and
// connection lifecycle hooks into one unit that can be merged, mounted,
// or served directly.
type Router struct {
	mu       sync.RWMutex
	table    *route.Table
	limiters map[string]*ratelimit.Limiter // route type -> limiter
	hooks    hooks

	unknownTypePolicy UnknownTypePolicy
	validator         validator.Validator

	Logger  wslog.Logger
	Audit   audit.Logger
	Metrics *wsmetrics.Metrics
}

// Option configures a Router at construction.
type Option func(*Router)

// WithValidator overrides the default validator.NewStrict().
func WithValidator(v validator.Validator) Option {
	return func(r *Router) { r.validator = v }
}

// WithUnknownTypePolicy sets the step-4 policy.
func WithUnknownTypePolicy(p UnknownTypePolicy) Option {
	return func(r *Router) { r.unknownTypePolicy = p }
}

// WithLogger overrides wslog.Default.
func WithLogger(l wslog.Logger) Option {
	return func(r *Router) { r.Logger = l }
}

// WithAudit overrides audit.NewNopLogger().
func WithAudit(a audit.Logger) Option {
	return func(r *Router) { r.Audit = a }
}

// WithMetrics attaches a wsmetrics.Metrics collector.
func WithMetrics(m *wsmetrics.Metrics) Option {
	return func(r *Router) { r.Metrics = m }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		table:     route.New(),
		limiters:  make(map[string]*ratelimit.Limiter),
		validator: validator.NewStrict(),
		Logger:    wslog.Default,
		Audit:     audit.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type routeOptions struct {
	middleware []route.Middleware
	rateLimit  *ratelimit.Policy
}

// RouteOption configures a single Register call.
type RouteOption func(*routeOptions)

// WithMiddleware attaches per-route middleware, run in registration
// order.
func WithMiddleware(mw ...route.Middleware) RouteOption {
	return func(o *routeOptions) { o.middleware = append(o.middleware, mw...) }
}

// WithRateLimit attaches a token-bucket policy to this route. The
// bucket is keyed per-connection; the route's type and a colon are
// prepended to policy.Prefix so distinct routes never share bucket state.
func WithRateLimit(policy ratelimit.Policy) RouteOption {
	return func(o *routeOptions) { o.rateLimit = &policy }
}

// Register binds handler to descriptor's type. It fails if the type is
// already registered (route.ErrDuplicateRoute) or if a rate-limit policy
// is invalid.
func (r *Router) Register(d *envelope.Descriptor, h route.Handler, opts ...RouteOption) error {
	var ro routeOptions
	for _, opt := range opts {
		opt(&ro)
	}

	if err := r.table.Register(d, h, ro.middleware...); err != nil {
		return err
	}

	if ro.rateLimit != nil {
		policy := *ro.rateLimit
		policy.Prefix = d.Type() + ":" + policy.Prefix
		limiter, err := ratelimit.New(policy)
		if err != nil {
			return fmt.Errorf("wsserver: route %q: %w", d.Type(), err)
		}
		r.mu.Lock()
		r.limiters[d.Type()] = limiter
		r.mu.Unlock()
	}
	return nil
}

// OnOpen registers a connect handler, appended to this router's ordered
// list.
func (r *Router) OnOpen(h ConnectHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks.onOpen = append(r.hooks.onOpen, h)
}

// OnClose registers a disconnect handler, appended to this router's
// ordered list.
func (r *Router) OnClose(h DisconnectHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks.onClose = append(r.hooks.onClose, h)
}

// AddRoutes merges other's route table and limiters into r and
// concatenates hook lists. On ConflictError, r's route table is left
// unchanged (route.Table.Merge's staging guarantee); r's limiters map
// and hooks are only touched after the table merge succeeds.
func (r *Router) AddRoutes(other *Router, policy route.ConflictPolicy) error {
	if err := r.table.Merge(other.table, policy); err != nil {
		return err
	}
	r.mergeAncillary(other, "")
	return nil
}

// Mount is AddRoutes with every incoming type prefixed, delegating to
// route.Table.Mount.
func (r *Router) Mount(prefix string, other *Router, policy route.ConflictPolicy) error {
	if err := r.table.Mount(prefix, other.table, policy); err != nil {
		return err
	}
	r.mergeAncillary(other, prefix)
	return nil
}

// mergeAncillary copies other's per-route limiters and lifecycle hooks
// into r. Limiter keys go through the same prefix transform as the
// route table's types, so a mounted route keeps its rate limit under
// its new, prefixed type.
func (r *Router) mergeAncillary(other *Router, prefix string) {
	other.mu.RLock()
	otherLimiters := make(map[string]*ratelimit.Limiter, len(other.limiters))
	for k, v := range other.limiters {
		otherLimiters[prefix+k] = v
	}
	otherOpen := append([]ConnectHandler(nil), other.hooks.onOpen...)
	otherClose := append([]DisconnectHandler(nil), other.hooks.onClose...)
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range otherLimiters {
		r.limiters[k] = v
	}
	r.hooks.onOpen = append(r.hooks.onOpen, otherOpen...)
	r.hooks.onClose = append(r.hooks.onClose, otherClose...)
}

func (r *Router) limiterFor(typ string) (*ratelimit.Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[typ]
	return l, ok
}

func (r *Router) snapshotHooks() hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return hooks{
		onOpen:  append([]ConnectHandler(nil), r.hooks.onOpen...),
		onClose: append([]DisconnectHandler(nil), r.hooks.onClose...),
	}
}

// Local connection delivery for Publish is owned by Server, not Router:
// "which local connections exist" is server state, since a bare Router
// has no registry of its own. See Server.deliverLocal.
