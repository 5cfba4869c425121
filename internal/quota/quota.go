// Package quota enforces fixed-window request and tool budgets per caller.
//
// A Ledger resolves the policy for a scope, increments the caller's counter
// for the current window through a CounterStore, and returns a Decision.
// Store failures never let traffic through: the ledger fails closed and marks
// the decision degraded so handlers can advertise a short retry instead of a
// window reset.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// ScopeRoute is the scope for the per-caller request budget at the front door.
const ScopeRoute = "route"

// toolScopePrefix namespaces per-tool scopes, e.g. "tool:web_search".
const toolScopePrefix = "tool:"

// DegradedRetryAfter is the retry advisory for decisions made while the
// counter store is unreachable. Kept short: the outage is expected to be
// transient and unrelated to the caller's own usage.
const DegradedRetryAfter = 5 * time.Second

const defaultStoreTimeout = 2 * time.Second

// Key identifies one counter: a scope (route or a named tool) consumed by one
// caller identity.
type Key struct {
	Scope      string
	Identifier string
}

// RouteKey builds the key for the request budget of a caller.
func RouteKey(identifier string) Key {
	return Key{Scope: ScopeRoute, Identifier: identifier}
}

// ToolKey builds the key for one tool's budget of a caller.
func ToolKey(identifier, tool string) Key {
	return Key{Scope: toolScopePrefix + tool, Identifier: identifier}
}

// Policy is a fixed-window budget.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a Consume call.
type Decision struct {
	// Allowed reports whether the caller may proceed.
	Allowed bool
	// Remaining is the budget left in the current window after this call.
	Remaining int
	// ResetAt is when the current window closes and the counter restarts.
	// Zero for degraded decisions.
	ResetAt time.Time
	// Degraded marks a deny caused by counter store failure rather than
	// exhausted budget.
	Degraded bool
}

// RetryAfter converts a deny into the advisory delay handlers put in the
// Retry-After header. Degraded denials get a short fixed delay; budget
// denials wait for the window to reset. Never less than one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Degraded || d.ResetAt.IsZero() {
		return DegradedRetryAfter
	}
	until := d.ResetAt.Sub(now)
	if until <= time.Second {
		return time.Second
	}
	return time.Duration(math.Ceil(until.Seconds())) * time.Second
}

// Config assembles a Ledger.
type Config struct {
	Store CounterStore
	// Route is the request budget applied per caller at admission.
	Route Policy
	// ToolDefault applies to any tool without an explicit override.
	ToolDefault Policy
	// ToolOverrides maps tool names to tighter or looser budgets.
	ToolOverrides map[string]Policy
	// StoreTimeout bounds each counter store call. Defaults to 2s.
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

// Ledger applies fixed-window policies to caller counters.
// Safe for concurrent use.
type Ledger struct {
	store        CounterStore
	route        Policy
	toolDefault  Policy
	overrides    map[string]Policy
	storeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewLedger(cfg Config) *Ledger {
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:        cfg.Store,
		route:        cfg.Route,
		toolDefault:  cfg.ToolDefault,
		overrides:    cfg.ToolOverrides,
		storeTimeout: timeout,
		logger:       logger,
		now:          time.Now,
	}
}

// Consume charges cost against the key's counter for the current window and
// decides whether the caller is within budget. The increment happens before
// the comparison, so a denied call still counts toward the window.
//
// Any store error produces a degraded deny. The caller is never admitted on
// a guess.
func (l *Ledger) Consume(ctx context.Context, key Key, cost int) Decision {
	policy := l.policyFor(key)

	now := l.now()
	windowStart := now.Truncate(policy.Window)
	resetAt := windowStart.Add(policy.Window)
	bucket := fmt.Sprintf("%s|%s|%d", key.Scope, key.Identifier, windowStart.Unix())

	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	count, expiresAt, err := l.store.IncrWithExpiry(ctx, bucket, int64(cost), resetAt.Sub(now))
	if err != nil {
		l.logger.Warn("quota store unavailable, failing closed",
			"scope", key.Scope,
			"error", err,
		)
		return Decision{Degraded: true}
	}
	if !expiresAt.IsZero() {
		resetAt = expiresAt
	}

	remaining := int64(policy.Limit) - count
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   count <= int64(policy.Limit),
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		l.logger.Debug("quota exceeded",
			"scope", key.Scope,
			"count", count,
			"limit", policy.Limit,
			"reset_at", resetAt,
		)
	}
	return d
}

// policyFor resolves the budget for a key: the route policy for the route
// scope, a per-tool override when configured, the tool default otherwise.
func (l *Ledger) policyFor(key Key) Policy {
	if key.Scope == ScopeRoute {
		return l.route
	}
	if tool, ok := strings.CutPrefix(key.Scope, toolScopePrefix); ok {
		if p, ok := l.overrides[tool]; ok {
			return p
		}
	}
	return l.toolDefault
}
