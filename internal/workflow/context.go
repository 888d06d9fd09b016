package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"go_acmebot/internal/model"
	"go_acmebot/internal/retry"
)

// reasonSuspended marks results produced while the engine is shutting down.
// They are never recorded, so the instance resumes from the same point.
const reasonSuspended = "suspended"

// ErrNonDeterministic means the recorded history does not match the code path
var ErrNonDeterministic = errors.New("workflow history does not match execution")

var errSuspended = errors.New("workflow suspended")

// Context is the replay cursor of one instance. Every activity, timer and
// random draw takes the next sequence number; recorded sequence numbers
// return their stored output instead of running again.
type Context struct {
	instanceID string
	store      *Store
	history    map[int]model.WorkflowEvent
	seq        int
	attempt    int
	step       string
	suspended  bool

	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error
	logger *logrus.Entry
}

func newContext(instanceID string, store *Store, history []model.WorkflowEvent, now func() time.Time,
	wait func(ctx context.Context, d time.Duration) error, logger *logrus.Entry) *Context {
	w := &Context{
		instanceID: instanceID,
		store:      store,
		history:    make(map[int]model.WorkflowEvent, len(history)),
		attempt:    1,
		now:        now,
		wait:       wait,
		logger:     logger,
	}
	for _, ev := range history {
		w.history[ev.Seq] = ev
	}
	return w
}

// Suspended reports whether execution stopped because the engine shut down
// or the history could not be written
func (w *Context) Suspended() bool {
	return w.suspended
}

// Replaying reports whether the next sequence number is already recorded
func (w *Context) Replaying() bool {
	_, ok := w.history[w.seq+1]
	return ok
}

func (w *Context) setStep(step StepID) {
	w.step = string(step)
}

func (w *Context) next() int {
	w.seq++
	return w.seq
}

// recorded returns the event stored at seq, or nil when execution has moved
// past the recorded history
func (w *Context) recorded(seq int, name, kind string) (*model.WorkflowEvent, error) {
	ev, ok := w.history[seq]
	if !ok {
		return nil, nil
	}
	if ev.Step != name || ev.Kind != kind {
		return nil, fmt.Errorf("%w: seq %d recorded %s %q, executing %s %q",
			ErrNonDeterministic, seq, ev.Kind, ev.Step, kind, name)
	}
	return &ev, nil
}

func (w *Context) record(ctx context.Context, seq int, name, kind string, input, output interface{}, k retry.Kind, reason string) error {
	ev := &model.WorkflowEvent{
		InstanceID: w.instanceID,
		Seq:        seq,
		Attempt:    w.attempt,
		Step:       name,
		Kind:       kind,
		Status:     k.String(),
		Reason:     reason,
	}
	if input != nil {
		b, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("failed to marshal input of %s: %w", name, err)
		}
		ev.Input = datatypes.JSON(b)
	}
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("failed to marshal output of %s: %w", name, err)
		}
		ev.Output = datatypes.JSON(b)
	}

	// 结果必须落库，即使实例已经超时
	if err := w.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		return err
	}
	w.history[seq] = *ev
	return nil
}

func (w *Context) suspend(reason string, err error) {
	if !w.suspended {
		w.logger.WithError(err).WithField("seq", w.seq).Warn("Workflow suspended: " + reason)
	}
	w.suspended = true
}

// Call runs fn as a recorded activity of the current step. On replay the
// stored outcome is returned and fn is not invoked.
func Call[T any](ctx context.Context, w *Context, activity string, input interface{}, fn func(ctx context.Context) retry.Result[T]) retry.Result[T] {
	seq := w.next()
	name := w.step + "/" + activity

	ev, err := w.recorded(seq, name, model.WorkflowEventActivity)
	if err != nil {
		return retry.Fail[T](err.Error())
	}
	if ev != nil {
		return decodeResult[T](ev)
	}
	if w.suspended {
		return retry.Fail[T](reasonSuspended)
	}

	res := fn(ctx)
	if errors.Is(ctx.Err(), context.Canceled) {
		w.suspend("engine stopped", ctx.Err())
		return retry.Fail[T](reasonSuspended)
	}

	var output interface{}
	if res.IsOk() {
		output = res.Value
	}
	if err := w.record(ctx, seq, name, model.WorkflowEventActivity, input, output, res.Kind, res.Reason); err != nil {
		w.suspend("history write failed", err)
		return retry.Fail[T](reasonSuspended)
	}
	return res
}

func decodeResult[T any](ev *model.WorkflowEvent) retry.Result[T] {
	switch ev.Status {
	case retry.KindOk.String():
		var v T
		if len(ev.Output) > 0 {
			if err := json.Unmarshal(ev.Output, &v); err != nil {
				return retry.Failf[T]("failed to decode recorded output of %s: %v", ev.Step, err)
			}
		}
		return retry.Ok(v)
	case retry.KindRetriable.String():
		return retry.Retry[T](ev.Reason)
	default:
		return retry.Fail[T](ev.Reason)
	}
}

type timerRecord struct {
	FireAt time.Time `json:"fireAt"`
}

// Sleep is a durable timer: the fire time is recorded before waiting, so a
// resumed instance only waits for what is left. Context implements retry.Sleeper.
func (w *Context) Sleep(ctx context.Context, d time.Duration) error {
	seq := w.next()
	name := w.step + "/timer"

	var fireAt time.Time
	ev, err := w.recorded(seq, name, model.WorkflowEventTimer)
	switch {
	case err != nil:
		return err
	case ev != nil:
		var rec timerRecord
		if err := json.Unmarshal(ev.Output, &rec); err != nil {
			return fmt.Errorf("failed to decode timer %d: %w", seq, err)
		}
		fireAt = rec.FireAt
	case w.suspended:
		return errSuspended
	default:
		fireAt = w.now().Add(d)
		input := map[string]int64{"durationMs": d.Milliseconds()}
		if err := w.record(ctx, seq, name, model.WorkflowEventTimer, input, timerRecord{FireAt: fireAt}, retry.KindOk, ""); err != nil {
			w.suspend("history write failed", err)
			return errSuspended
		}
	}

	remaining := fireAt.Sub(w.now())
	if remaining <= 0 {
		return nil
	}
	if err := w.wait(ctx, remaining); err != nil {
		if errors.Is(err, context.Canceled) {
			w.suspend("engine stopped", err)
		}
		return err
	}
	return nil
}

// Random returns a value in [0, max]. The draw is recorded so replay sees
// the same value.
func (w *Context) Random(ctx context.Context, label string, max int) (int, error) {
	seq := w.next()
	name := w.step + "/" + label

	ev, err := w.recorded(seq, name, model.WorkflowEventRandom)
	if err != nil {
		return 0, err
	}
	if ev != nil {
		var v int
		if err := json.Unmarshal(ev.Output, &v); err != nil {
			return 0, fmt.Errorf("failed to decode random %d: %w", seq, err)
		}
		return v, nil
	}
	if w.suspended {
		return 0, errSuspended
	}

	v := 0
	if max > 0 {
		v = rand.IntN(max + 1)
	}
	if err := w.record(ctx, seq, name, model.WorkflowEventRandom, map[string]int{"max": max}, v, retry.KindOk, ""); err != nil {
		w.suspend("history write failed", err)
		return 0, errSuspended
	}
	return v, nil
}
