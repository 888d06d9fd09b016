package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_acmebot/internal/model"
	"go_acmebot/internal/testutil"
)

func runningInstance(id, certificateName string) *model.WorkflowInstance {
	return &model.WorkflowInstance{
		ID:              id,
		Kind:            model.WorkflowKindIssue,
		CertificateName: certificateName,
		Policy:          []byte(`{}`),
		Status:          model.WorkflowStatusRunning,
		RetryPolicy:     single.Name,
		Attempt:         1,
		Deadline:        time.Now().Add(time.Hour),
	}
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))

	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.CreateInstance(ctx, runningInstance(id, "example-com-"+id)))
	}

	running, err := store.ListRunning(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	require.NoError(t, store.SetAttempt(ctx, "a", 2))
	require.NoError(t, store.Finish(ctx, "a", model.WorkflowStatusSucceeded, Success{CertificateName: "example-com-a"}, ""))

	// a second finish loses the optimistic lock
	err = store.Finish(ctx, "a", model.WorkflowStatusFailed, nil, "late")
	assert.True(t, errors.Is(err, ErrInstanceFinished))

	inst, err := store.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusSucceeded, inst.Status)
	assert.Equal(t, 2, inst.Attempt)
	assert.NotNil(t, inst.FinishedAt)

	st := toStatus(inst)
	require.NotNil(t, st.Result)
	assert.Equal(t, "example-com-a", st.Result.CertificateName)

	running, err = store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ID)

	_, err = store.GetInstance(ctx, "missing")
	assert.True(t, errors.Is(err, ErrInstanceNotFound))
}

func TestStore_AppendEventRejectsDuplicateSeq(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))

	ev := &model.WorkflowEvent{InstanceID: "a", Seq: 1, Step: "order/create-order", Kind: model.WorkflowEventActivity, Status: "ok"}
	require.NoError(t, store.AppendEvent(ctx, ev))

	dup := &model.WorkflowEvent{InstanceID: "a", Seq: 1, Step: "order/create-order", Kind: model.WorkflowEventActivity, Status: "ok"}
	assert.Error(t, store.AppendEvent(ctx, dup))

	events, err := store.History(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_CreateInstanceAllowsOneRunningPerCertificate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))

	require.NoError(t, store.CreateInstance(ctx, runningInstance("a", "example-com")))

	err := store.CreateInstance(ctx, runningInstance("b", "example-com"))
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "got %v", err)
	_, err = store.GetInstance(ctx, "b")
	assert.True(t, errors.Is(err, ErrInstanceNotFound))

	require.NoError(t, store.CreateInstance(ctx, runningInstance("c", "other-com")))

	// finishing frees the certificate for the next instance
	require.NoError(t, store.Finish(ctx, "a", model.WorkflowStatusFailed, nil, "boom"))
	require.NoError(t, store.CreateInstance(ctx, runningInstance("d", "example-com")))
	require.NoError(t, store.Finish(ctx, "d", model.WorkflowStatusSucceeded, nil, ""))

	running, err := store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "c", running[0].ID)
}

func TestStore_CreateInstanceConcurrentStarts(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewDB(t))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateInstance(ctx, runningInstance(fmt.Sprintf("id-%d", i), "example-com"))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.True(t, errors.Is(err, ErrAlreadyRunning), "got %v", err)
	}
	assert.Equal(t, 1, created)
}
