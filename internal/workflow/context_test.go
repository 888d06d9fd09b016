package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_acmebot/internal/model"
	"go_acmebot/internal/retry"
	"go_acmebot/internal/testutil"
)

func newTestContext(t *testing.T, store *Store, id string, now time.Time, waited *[]time.Duration) *Context {
	t.Helper()
	history, err := store.History(context.Background(), id)
	require.NoError(t, err)
	w := newContext(id, store, history, func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			*waited = append(*waited, d)
			return nil
		}, testutil.Logger())
	w.setStep(StepOrder)
	return w
}

func TestCall_ReplaysRecordedOutput(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))
	var waited []time.Duration
	now := time.Now()

	calls := 0
	fn := func(ctx context.Context) retry.Result[string] {
		calls++
		if calls == 1 {
			return retry.Retry[string]("not yet")
		}
		return retry.Ok("order-url")
	}

	w := newTestContext(t, store, "i-1", now, &waited)
	assert.Equal(t, retry.KindRetriable, Call(ctx, w, "create", "in", fn).Kind)
	assert.Equal(t, "order-url", Call(ctx, w, "create", "in", fn).Value)
	assert.Equal(t, 2, calls)

	// a fresh cursor over the same history never calls fn
	w = newTestContext(t, store, "i-1", now, &waited)
	assert.True(t, w.Replaying())
	first := Call(ctx, w, "create", "in", fn)
	assert.Equal(t, retry.KindRetriable, first.Kind)
	assert.Equal(t, "not yet", first.Reason)
	assert.Equal(t, "order-url", Call(ctx, w, "create", "in", fn).Value)
	assert.Equal(t, 2, calls)
	assert.False(t, w.Replaying())

	events, err := store.History(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "order/create", events[1].Step)
	assert.Equal(t, model.WorkflowEventActivity, events[1].Kind)
	assert.Equal(t, "ok", events[1].Status)
}

func TestCall_DetectsDivergence(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))
	var waited []time.Duration

	w := newTestContext(t, store, "i-1", time.Now(), &waited)
	Call(ctx, w, "create", nil, func(ctx context.Context) retry.Result[int] { return retry.Ok(1) })

	w = newTestContext(t, store, "i-1", time.Now(), &waited)
	res := Call(ctx, w, "other", nil, func(ctx context.Context) retry.Result[int] { return retry.Ok(2) })
	assert.Equal(t, retry.KindFatal, res.Kind)
	assert.Contains(t, res.Reason, ErrNonDeterministic.Error())
}

func TestCall_CanceledIsNotRecorded(t *testing.T) {
	store := NewStore(testutil.NewDB(t))
	var waited []time.Duration
	ctx, cancel := context.WithCancel(context.Background())

	w := newTestContext(t, store, "i-1", time.Now(), &waited)
	res := Call(ctx, w, "create", nil, func(ctx context.Context) retry.Result[int] {
		cancel()
		return retry.Retry[int]("context canceled")
	})
	assert.Equal(t, reasonSuspended, res.Reason)
	assert.True(t, w.Suspended())

	events, err := store.History(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSleep_DurableTimer(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var waited []time.Duration
	w := newTestContext(t, store, "i-1", start, &waited)
	require.NoError(t, w.Sleep(ctx, time.Minute))
	assert.Equal(t, []time.Duration{time.Minute}, waited)

	// resumed 20s later only the remainder is waited
	waited = nil
	w = newTestContext(t, store, "i-1", start.Add(20*time.Second), &waited)
	require.NoError(t, w.Sleep(ctx, time.Minute))
	assert.Equal(t, []time.Duration{40 * time.Second}, waited)

	// resumed after the fire time there is nothing to wait
	waited = nil
	w = newTestContext(t, store, "i-1", start.Add(time.Hour), &waited)
	require.NoError(t, w.Sleep(ctx, time.Minute))
	assert.Empty(t, waited)
}

func TestRandom_IsRecorded(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))
	var waited []time.Duration

	w := newTestContext(t, store, "i-1", time.Now(), &waited)
	v, err := w.Random(ctx, "jitter", 600)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0)
	assert.LessOrEqual(t, v, 600)

	for i := 0; i < 5; i++ {
		w = newTestContext(t, store, "i-1", time.Now(), &waited)
		again, err := w.Random(ctx, "jitter", 600)
		require.NoError(t, err)
		assert.Equal(t, v, again)
	}

	w = newTestContext(t, store, "i-1", time.Now(), &waited)
	_, err = w.Random(ctx, "other", 600)
	assert.True(t, errors.Is(err, ErrNonDeterministic))
}
