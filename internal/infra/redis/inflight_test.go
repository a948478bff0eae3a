package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/triage/internal/core/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("TRIAGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TRIAGE_TEST_REDIS_URL not set")
	}
	c, err := NewClient(Config{URL: url, KeyPrefix: "triage-test-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInFlightGuard(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := domain.RunKey{PipelineID: "etl", RunID: "run-1"}

	ok, err := c.Acquire(ctx, key, "a1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Acquire(ctx, key, "a2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the owner releases.
	require.NoError(t, c.Release(ctx, key, "a2"))
	holder, err := c.Holder(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "a1", holder)

	require.NoError(t, c.Release(ctx, key, "a1"))
	holder, err = c.Holder(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err = c.Acquire(ctx, key, "a2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.Release(ctx, key, "a2"))
}

func TestPublish(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	sub := c.rdb.Subscribe(ctx, "triage-test-notify")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "triage-test-notify", []byte(`{"action":"alert"}`)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"alert"}`, msg.Payload)
}
