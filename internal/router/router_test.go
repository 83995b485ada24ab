package router

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	r := New(nil)
	var got string
	require.NoError(t, r.Register(Route{
		Pattern: "consultease/faculty/{id}/status",
		Handler: func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error {
			got = string(body)
			return nil
		},
	}))

	r.Dispatch(context.Background(), "consultease/faculty/7/status", []byte(`{"present":true}`))

	assert.JSONEq(t, `{"present":true}`, got)
}

func TestDispatchCapturesPathParam(t *testing.T) {
	r := New(nil)
	var gotID string
	require.NoError(t, r.Register(Route{
		Pattern: "consultease/faculty/{id}/status",
		Handler: func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error {
			gotID = params["id"]
			return nil
		},
	}))

	r.Dispatch(context.Background(), "consultease/faculty/42/status", []byte(`{}`))

	assert.Equal(t, "42", gotID)
}

func TestDispatchDropsUnknownTopic(t *testing.T) {
	r := New(nil)
	called := false
	require.NoError(t, r.Register(Route{
		Pattern: "consultease/faculty/{id}/status",
		Handler: func(context.Context, string, map[string]string, json.RawMessage) error { called = true; return nil },
	}))

	r.Dispatch(context.Background(), "unknown/topic", []byte(`{}`))

	assert.False(t, called)
}

func TestDispatchDropsOversizedPayload(t *testing.T) {
	r := New(nil)
	called := false
	require.NoError(t, r.Register(Route{
		Pattern: "consultease/faculty/{id}/status",
		Handler: func(context.Context, string, map[string]string, json.RawMessage) error { called = true; return nil },
	}))

	oversized := []byte(strings.Repeat("a", MaxPayloadBytes+1))
	r.Dispatch(context.Background(), "consultease/faculty/7/status", oversized)

	assert.False(t, called)
}

func TestRegisterRejectsTraversalAndWildcardPatterns(t *testing.T) {
	r := New(nil)
	h := func(context.Context, string, map[string]string, json.RawMessage) error { return nil }

	assert.Error(t, r.Register(Route{Pattern: "consultease/faculty/../status", Handler: h}))
	assert.Error(t, r.Register(Route{Pattern: "consultease/faculty/#", Handler: h}))
	assert.Error(t, r.Register(Route{Pattern: "consultease/faculty/+/status", Handler: h}))
}

func TestLegacyTopicGetsItsOwnRoute(t *testing.T) {
	r := New(nil)
	var gotID, gotBody string
	require.NoError(t, r.Register(Route{
		Pattern: "professor/{id}/status",
		Handler: func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error {
			gotID = params["id"]
			gotBody = string(body)
			return nil
		},
	}))

	r.Dispatch(context.Background(), "professor/3/status", []byte("keychain_connected"))

	assert.Equal(t, "3", gotID)
	assert.Equal(t, "keychain_connected", gotBody)
}

func TestTopicsRewritesPathParamsToMQTTWildcard(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Route{
		Pattern: "consultease/faculty/{id}/status",
		Handler: func(context.Context, string, map[string]string, json.RawMessage) error { return nil },
	}))

	topics := r.Topics()
	assert.Contains(t, topics, "consultease/faculty/+/status")
}

func TestRateLimitDropsBurstBeyondLimit(t *testing.T) {
	r := New(nil)
	calls := 0
	require.NoError(t, r.Register(Route{
		Pattern:       "consultease/faculty/{id}/status",
		RatePerSecond: 1,
		Burst:         1,
		Handler:       func(context.Context, string, map[string]string, json.RawMessage) error { calls++; return nil },
	}))

	for i := 0; i < 5; i++ {
		r.Dispatch(context.Background(), "consultease/faculty/7/status", []byte(`{}`))
	}

	assert.Less(t, calls, 5, "expected rate limiter to drop some of the burst")
}
