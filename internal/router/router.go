// Package router implements the Message Router (§4.4): a declarative
// topic table dispatching inbound MQTT payloads to their handlers, with
// a topic allow-list, a payload size cap, per-route rate limiting ahead
// of the decode step, and {param}-style path segments so one route can
// serve every faculty id without a registration per row.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Rjrtgarcia/consultease/internal/telemetry"
)

// MaxPayloadBytes bounds any single inbound message; anything larger is
// dropped before it reaches json.Unmarshal.
const MaxPayloadBytes = 4 * 1024

// Handler processes a decoded message body for one route. params holds
// the values captured from any {name} segments in the route's pattern,
// keyed by name.
type Handler func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error

// Route declares one topic pattern's dispatch behavior. Pattern segments
// wrapped in braces (e.g. "consultease/faculty/{id}/status") capture
// into params; every other segment must match literally. RatePerSecond
// and Burst configure a token bucket shared by every topic the pattern
// matches; a route with RatePerSecond == 0 is unlimited.
type Route struct {
	Pattern       string
	Handler       Handler
	RatePerSecond float64
	Burst         int
}

type compiledRoute struct {
	route    Route
	segments []string
}

// Router holds the route table and dispatches inbound messages against
// it in registration order — first match wins, so a more specific
// literal pattern should be registered ahead of an overlapping one.
type Router struct {
	log *slog.Logger

	mu      sync.RWMutex
	routes  []compiledRoute
	limiter map[string]*rate.Limiter
}

// New constructs an empty Router.
func New(log *slog.Logger) *Router {
	return &Router{log: log, limiter: make(map[string]*rate.Limiter)}
}

// Register adds a route. Patterns containing ".." or the MQTT wildcard
// characters "#"/"+" are rejected; a path parameter is written as
// {name}, never as an MQTT wildcard.
func (r *Router) Register(route Route) error {
	segments, err := validatePattern(route.Pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, compiledRoute{route: route, segments: segments})
	if route.RatePerSecond > 0 {
		burst := route.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter[route.Pattern] = rate.NewLimiter(rate.Limit(route.RatePerSecond), burst)
	}
	return nil
}

func validatePattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("router: empty topic pattern")
	}
	if strings.Contains(pattern, "..") || strings.ContainsAny(pattern, "#+") {
		return nil, fmt.Errorf("router: pattern %q rejected by allow-list policy", pattern)
	}
	return strings.Split(pattern, "/"), nil
}

func isParam(segment string) (string, bool) {
	if len(segment) >= 3 && segment[0] == '{' && segment[len(segment)-1] == '}' {
		return segment[1 : len(segment)-1], true
	}
	return "", false
}

// Topics returns the MQTT subscription filters the transport should
// subscribe to, one per registered route, with every {param} segment
// rewritten as the MQTT single-level wildcard "+".
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.routes))
	for _, cr := range r.routes {
		segs := make([]string, len(cr.segments))
		for i, s := range cr.segments {
			if _, ok := isParam(s); ok {
				segs[i] = "+"
			} else {
				segs[i] = s
			}
		}
		topics = append(topics, strings.Join(segs, "/"))
	}
	return topics
}

// Dispatch routes one inbound message. Unknown topics and oversized
// payloads are dropped with a metric bump, not an error — a malformed or
// unexpected desk-unit message should never take the coordination core
// down.
func (r *Router) Dispatch(ctx context.Context, topic string, payload []byte) {
	if len(payload) > MaxPayloadBytes {
		telemetry.RouterDroppedTotal.WithLabelValues("oversized").Inc()
		return
	}

	route, params, limiter, ok := r.lookup(topic)
	if !ok {
		telemetry.RouterDroppedTotal.WithLabelValues("unknown_topic").Inc()
		return
	}

	if limiter != nil && !limiter.Allow() {
		telemetry.RouterDroppedTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	if err := route.Handler(ctx, topic, params, json.RawMessage(payload)); err != nil {
		if r.log != nil {
			r.log.Warn("route handler failed", "topic", topic, "error", err)
		}
		telemetry.RouterDroppedTotal.WithLabelValues("handler_error").Inc()
	}
}

func (r *Router) lookup(topic string) (Route, map[string]string, *rate.Limiter, bool) {
	topicSegments := strings.Split(topic, "/")

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cr := range r.routes {
		if params, ok := match(cr.segments, topicSegments); ok {
			return cr.route, params, r.limiter[cr.route.Pattern], true
		}
	}
	return Route{}, nil, nil, false
}

func match(pattern, topic []string) (map[string]string, bool) {
	if len(pattern) != len(topic) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		if name, ok := isParam(seg); ok {
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[name] = topic[i]
			continue
		}
		if seg != topic[i] {
			return nil, false
		}
	}
	return params, true
}
