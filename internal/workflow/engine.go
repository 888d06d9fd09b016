package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"go_acmebot/internal/acme"
	"go_acmebot/internal/dns"
	"go_acmebot/internal/model"
	"go_acmebot/internal/notify"
	"go_acmebot/internal/retry"
	"go_acmebot/internal/vault"
)

// ReasonTimeout is the failure reason of an instance that ran out of time
const ReasonTimeout = "timeout"

// single runs a whole certificate once
var single = retry.Policy{Name: "single", MaxAttempts: 1}

var retryPolicies = map[string]retry.Policy{
	single.Name:                       single,
	retry.CertificateSubWorkflow.Name: retry.CertificateSubWorkflow,
}

// Success is the result of a succeeded instance
type Success struct {
	CertificateName string    `json:"certificateName"`
	CertificateID   string    `json:"certificateId,omitempty"`
	ExpiresOn       time.Time `json:"expiresOn"`
	Version         int       `json:"version"`
	SerialNumber    string    `json:"serialNumber"`
}

// Status is the externally visible state of an instance
type Status struct {
	InstanceID      string     `json:"instanceId"`
	Kind            string     `json:"kind"`
	CertificateName string     `json:"certificateName"`
	State           string     `json:"status"`
	Attempt         int        `json:"attempt"`
	Result          *Success   `json:"result,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

// Observer is told about every status transition
type Observer interface {
	InstanceChanged(status Status)
}

// EngineConfig holds engine dependencies and limits
type EngineConfig struct {
	Store       *Store
	Session     acme.Session
	Coordinator *dns.Coordinator
	Resolver    dns.TXTResolver
	Vault       vault.Vault
	Notifier    notify.Notifier
	Observers   []Observer
	Logger      *logrus.Entry

	PreferredChain string
	MaxRun         time.Duration // wall-clock budget of one whole-certificate attempt
	Concurrency    int           // instances executing at once
	RetryJitter    time.Duration // upper bound added to whole-certificate retry waits

	// Now and Wait default to the wall clock
	Now  func() time.Time
	Wait func(ctx context.Context, d time.Duration) error
}

// Engine runs certificate workflow instances
type Engine struct {
	store          *Store
	session        acme.Session
	coordinator    *dns.Coordinator
	resolver       dns.TXTResolver
	vault          vault.Vault
	notifier       notify.Notifier
	observers      []Observer
	logger         *logrus.Entry
	preferredChain string
	maxRun         time.Duration
	retryJitter    time.Duration
	now            func() time.Time
	wait           func(ctx context.Context, d time.Duration) error

	sem     chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]chan struct{}
}

// NewEngine creates a new engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil || cfg.Session == nil || cfg.Coordinator == nil || cfg.Resolver == nil || cfg.Vault == nil {
		return nil, errors.New("workflow engine requires store, session, coordinator, resolver and vault")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.MaxRun <= 0 {
		cfg.MaxRun = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Wait == nil {
		cfg.Wait = retry.WallClock.Sleep
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:          cfg.Store,
		session:        cfg.Session,
		coordinator:    cfg.Coordinator,
		resolver:       cfg.Resolver,
		vault:          cfg.Vault,
		notifier:       cfg.Notifier,
		observers:      cfg.Observers,
		logger:         cfg.Logger.WithField("component", "workflow"),
		preferredChain: cfg.PreferredChain,
		maxRun:         cfg.MaxRun,
		retryJitter:    cfg.RetryJitter,
		now:            cfg.Now,
		wait:           cfg.Wait,
		sem:            make(chan struct{}, cfg.Concurrency),
		baseCtx:        ctx,
		cancel:         cancel,
		running:        make(map[string]chan struct{}),
	}, nil
}

// AddObserver registers an observer. Call before starting instances.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

type startOptions struct {
	kind        string
	replaces    string
	retryPolicy retry.Policy
}

// Start creates an issuance instance and runs it in the background
func (e *Engine) Start(ctx context.Context, policy CertificatePolicy) (string, error) {
	return e.start(ctx, policy, startOptions{kind: model.WorkflowKindIssue, retryPolicy: single})
}

// StartRenewal renews an existing certificate once. replacesCertID is the
// ARI identifier of the certificate being replaced, or empty.
func (e *Engine) StartRenewal(ctx context.Context, policy CertificatePolicy, replacesCertID string) (string, error) {
	return e.start(ctx, policy, startOptions{kind: model.WorkflowKindRenew, replaces: replacesCertID, retryPolicy: single})
}

// StartSubWorkflow renews under the whole-certificate retry policy used by
// the batch scheduler
func (e *Engine) StartSubWorkflow(ctx context.Context, policy CertificatePolicy, replacesCertID string) (string, error) {
	return e.start(ctx, policy, startOptions{
		kind:        model.WorkflowKindRenew,
		replaces:    replacesCertID,
		retryPolicy: retry.CertificateSubWorkflow,
	})
}

// RunSubWorkflow is StartSubWorkflow followed by Wait
func (e *Engine) RunSubWorkflow(ctx context.Context, policy CertificatePolicy, replacesCertID string) (Status, error) {
	id, err := e.StartSubWorkflow(ctx, policy, replacesCertID)
	if err != nil {
		return Status{}, err
	}
	return e.Wait(ctx, id)
}

func (e *Engine) start(ctx context.Context, policy CertificatePolicy, opts startOptions) (string, error) {
	policy, err := policy.Normalize()
	if err != nil {
		return "", err
	}

	inst := &model.WorkflowInstance{
		ID:              uuid.NewString(),
		Kind:            opts.kind,
		CertificateName: policy.CertificateName,
		Policy:          datatypes.JSON(policy.JSON()),
		ReplacesCertID:  opts.replaces,
		Status:          model.WorkflowStatusRunning,
		RetryPolicy:     opts.retryPolicy.Name,
		Attempt:         1,
		Deadline:        e.now().Add(e.budget(opts.retryPolicy)),
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", err
	}

	e.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"certificate": inst.CertificateName,
		"kind":        inst.Kind,
		"retry":       inst.RetryPolicy,
	}).Info("Workflow instance started")

	e.broadcast(toStatus(inst))
	e.launch(inst)
	return inst.ID, nil
}

// budget is the overall deadline of an instance: every attempt gets MaxRun
// plus the waits between attempts
func (e *Engine) budget(p retry.Policy) time.Duration {
	d := time.Duration(p.Attempts()) * e.maxRun
	for i := 1; i < p.Attempts(); i++ {
		d += p.Delay(i) + e.retryJitter
	}
	return d
}

// ResumePending re-executes every running instance from its history.
// It returns the number of instances resumed.
func (e *Engine) ResumePending(ctx context.Context) (int, error) {
	list, err := e.store.ListRunning(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for i := range list {
		inst := list[i]
		if e.isRunning(inst.ID) {
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"certificate": inst.CertificateName,
		}).Info("Resuming workflow instance")
		e.launch(&inst)
		resumed++
	}
	return resumed, nil
}

func (e *Engine) isRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

func (e *Engine) launch(inst *model.WorkflowInstance) {
	done := make(chan struct{})
	e.mu.Lock()
	e.running[inst.ID] = done
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, inst.ID)
			e.mu.Unlock()
			close(done)
		}()

		select {
		case e.sem <- struct{}{}:
		case <-e.baseCtx.Done():
			return
		}
		defer func() { <-e.sem }()

		e.execute(e.baseCtx, inst)
	}()
}

// Stop suspends running instances and waits for them. Suspended instances
// stay running in the store and continue on the next ResumePending.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until the instance leaves the running state in this process
func (e *Engine) Wait(ctx context.Context, id string) (Status, error) {
	e.mu.Lock()
	done, ok := e.running[id]
	e.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
	return e.Status(ctx, id)
}

// Status returns the current state of an instance
func (e *Engine) Status(ctx context.Context, id string) (Status, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return toStatus(inst), nil
}

// Events returns the recorded history of an instance
func (e *Engine) Events(ctx context.Context, id string) ([]model.WorkflowEvent, error) {
	if _, err := e.store.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.store.History(ctx, id)
}

func toStatus(inst *model.WorkflowInstance) Status {
	st := Status{
		InstanceID:      inst.ID,
		Kind:            inst.Kind,
		CertificateName: inst.CertificateName,
		State:           inst.Status,
		Attempt:         inst.Attempt,
		Reason:          inst.Reason,
		CreatedAt:       inst.CreatedAt,
		FinishedAt:      inst.FinishedAt,
	}
	if inst.Status == model.WorkflowStatusSucceeded && len(inst.Result) > 0 {
		var s Success
		if err := json.Unmarshal(inst.Result, &s); err == nil {
			st.Result = &s
		}
	}
	return st
}

func (e *Engine) broadcast(st Status) {
	for _, o := range e.observers {
		o.InstanceChanged(st)
	}
}

// jitterSleeper adds a recorded random delay to whole-certificate retry waits
type jitterSleeper struct {
	w   *Context
	max time.Duration
}

func (s jitterSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if s.max > 0 {
		j, err := s.w.Random(ctx, "retry-jitter", int(s.max/time.Second))
		if err != nil {
			return err
		}
		d += time.Duration(j) * time.Second
	}
	return s.w.Sleep(ctx, d)
}

// execute runs (or replays) one instance to a terminal state
func (e *Engine) execute(parent context.Context, inst *model.WorkflowInstance) {
	logger := e.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"certificate": inst.CertificateName,
	})

	var policy CertificatePolicy
	if err := json.Unmarshal(inst.Policy, &policy); err != nil {
		e.finish(parent, inst, retry.Failf[Success]("corrupt policy: %v", err), logger)
		return
	}

	history, err := e.store.History(parent, inst.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to load workflow history")
		return
	}
	w := newContext(inst.ID, e.store, history, e.now, e.wait, logger)
	if len(history) > 0 {
		logger.WithField("events", len(history)).Info("Replaying workflow history")
	}

	ctx, cancel := context.WithDeadline(parent, inst.Deadline)
	defer cancel()

	rp, ok := retryPolicies[inst.RetryPolicy]
	if !ok {
		rp = single
	}

	outcome := retry.Run(ctx, rp, jitterSleeper{w: w, max: e.retryJitter}, func(ctx context.Context, attempt int) retry.Result[Success] {
		w.attempt = attempt
		if attempt != inst.Attempt {
			inst.Attempt = attempt
			if err := e.store.SetAttempt(context.WithoutCancel(ctx), inst.ID, attempt); err != nil {
				logger.WithError(err).Warn("Failed to record attempt")
			}
			e.broadcast(toStatus(inst))
			logger.WithField("attempt", attempt).Info("Restarting certificate workflow")
		}

		x := &execution{
			instanceID: inst.ID,
			policy:     policy,
			replaces:   inst.ReplacesCertID,
			w:          w,
			logger:     logger,
		}
		res := e.runSteps(ctx, x)

		// cleanup 不受实例超时影响
		base := context.WithoutCancel(ctx)
		if errors.Is(ctx.Err(), context.Canceled) {
			base = ctx
		}
		cleanupCtx, cancelCleanup := context.WithTimeout(base, 2*time.Minute)
		e.cleanup(cleanupCtx, x)
		cancelCleanup()

		switch {
		case res.IsOk():
			return retry.Ok(x.success())
		case w.Suspended():
			return retry.Fail[Success](reasonSuspended)
		case x.restartable() && ctx.Err() == nil:
			return retry.Retry[Success](res.Reason)
		}
		return retry.Cast[Success](res)
	})

	if w.Suspended() || errors.Is(parent.Err(), context.Canceled) {
		logger.Info("Workflow instance suspended")
		return
	}
	if !outcome.IsOk() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome = retry.Fail[Success](ReasonTimeout)
	}

	notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelNotify()
	e.notify(notifyCtx, w, policy, outcome, logger)
	if w.Suspended() {
		return
	}

	e.finish(parent, inst, outcome, logger)
}

func (e *Engine) finish(ctx context.Context, inst *model.WorkflowInstance, outcome retry.Result[Success], logger *logrus.Entry) {
	var (
		status = model.WorkflowStatusFailed
		result interface{}
	)
	if outcome.IsOk() {
		status = model.WorkflowStatusSucceeded
		result = outcome.Value
	}

	if err := e.store.Finish(context.WithoutCancel(ctx), inst.ID, status, result, outcome.Reason); err != nil {
		logger.WithError(err).Error("Failed to finish workflow instance")
		return
	}

	fresh, err := e.store.GetInstance(context.WithoutCancel(ctx), inst.ID)
	if err != nil {
		logger.WithError(err).Warn("Failed to reload finished instance")
		return
	}

	if outcome.IsOk() {
		logger.WithFields(logrus.Fields{
			"certificate_id": outcome.Value.CertificateID,
			"expires_on":     outcome.Value.ExpiresOn,
		}).Info("Workflow instance succeeded")
	} else {
		logger.WithField("reason", outcome.Reason).Error("Workflow instance failed")
	}
	e.broadcast(toStatus(fresh))
}

// String describes the engine for startup logs
func (e *Engine) String() string {
	return fmt.Sprintf("workflow engine (concurrency=%d, max_run=%s)", cap(e.sem), e.maxRun)
}

// HasRunning reports whether the certificate already has a running instance
func (e *Engine) HasRunning(ctx context.Context, certificateName string) (bool, error) {
	return e.store.HasRunning(ctx, certificateName)
}
