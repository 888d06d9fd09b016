package scheduler

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go_acmebot/internal/ari"
	"go_acmebot/internal/model"
	"go_acmebot/internal/retry"
	"go_acmebot/internal/vault"
	"go_acmebot/internal/workflow"
)

// Engine is the part of the workflow engine the worker drives
type Engine interface {
	StartSubWorkflow(ctx context.Context, policy workflow.CertificatePolicy, replacesCertID string) (string, error)
	HasRunning(ctx context.Context, certificateName string) (bool, error)
}

// Evaluator decides whether a certificate is due
type Evaluator interface {
	EvaluateRenewal(ctx context.Context, cert *x509.Certificate, now time.Time, ariBase string) ari.RenewalDecision
}

// Config holds the configuration for the renew worker
type Config struct {
	DB        *gorm.DB
	Vault     vault.Vault
	Evaluator Evaluator
	Engine    Engine
	Logger    *logrus.Entry

	// RenewalInfoURL returns the CA's ARI base, empty when unsupported
	RenewalInfoURL func() string

	Enabled      bool
	IntervalSec  int
	MaxJitterSec int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// RenewWorker periodically starts renewal sub-workflows for due certificates
type RenewWorker struct {
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	db        *gorm.DB
	vault     vault.Vault
	evaluator Evaluator
	engine    Engine
	logger    *logrus.Entry
	ariURL    func() string

	enabled   bool
	interval  time.Duration
	maxJitter int
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Candidate is one certificate selected for renewal
type Candidate struct {
	Name           string `json:"name"`
	ReplacesCertID string `json:"replacesCertId,omitempty"`
	InstanceID     string `json:"instanceId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// NewRenewWorker creates a new renew worker
func NewRenewWorker(cfg *Config) *RenewWorker {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = 43200
	}
	if cfg.MaxJitterSec < 0 {
		cfg.MaxJitterSec = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.WallClock.Sleep
	}
	if cfg.RenewalInfoURL == nil {
		cfg.RenewalInfoURL = func() string { return "" }
	}
	return &RenewWorker{
		ctx:       ctx,
		cancel:    cancel,
		db:        cfg.DB,
		vault:     cfg.Vault,
		evaluator: cfg.Evaluator,
		engine:    cfg.Engine,
		logger:    cfg.Logger.WithField("component", "renew-worker"),
		ariURL:    cfg.RenewalInfoURL,
		enabled:   cfg.Enabled,
		interval:  time.Duration(cfg.IntervalSec) * time.Second,
		maxJitter: cfg.MaxJitterSec,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}
}

// Start begins the periodic renewal checks
func (w *RenewWorker) Start() {
	if !w.enabled {
		w.logger.Info("Renew worker disabled, not starting")
		return
	}

	w.logger.WithFields(logrus.Fields{
		"interval":   w.interval,
		"max_jitter": w.maxJitter,
	}).Info("Starting renew worker...")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		// Run immediately on start
		w.tick()
		for {
			select {
			case <-ticker.C:
				w.tick()
			case <-w.ctx.Done():
				w.logger.Info("Stopping renew worker...")
				return
			}
		}
	}()
}

// Stop gracefully stops the worker
func (w *RenewWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *RenewWorker) tick() {
	if _, err := w.RunOnce(w.ctx); err != nil {
		w.logger.WithError(err).Error("Renewal pass failed")
	}
}

// RunOnce performs one scheduling pass and returns its run log
func (w *RenewWorker) RunOnce(ctx context.Context) (*model.RenewalRun, error) {
	// Step 1: Resume an unfinished run, or draw and persist a new jitter
	run, err := w.openRun(ctx)
	if err != nil {
		return nil, err
	}
	log := w.logger.WithField("run_id", run.ID)

	// Step 2: List managed certificates
	items, err := w.vault.ListCertificates(ctx)
	if err != nil {
		return run, fmt.Errorf("failed to list certificates: %w", err)
	}

	// Step 3: Evaluate each one
	now := w.now()
	ariBase := w.ariURL()
	decisions := make(map[string]ari.RenewalDecision, len(items))
	var candidates []Candidate
	due := make(map[string]vault.CertificateItem)

	for _, item := range items {
		cert, err := w.vault.GetCertificate(ctx, item.Name)
		if err != nil {
			log.WithError(err).WithField("certificate", item.Name).Warn("Failed to load certificate, skipping")
			continue
		}

		decision := w.evaluator.EvaluateRenewal(ctx, cert, now, ariBase)
		decisions[item.Name] = decision
		if !decision.ShouldRenew {
			continue
		}

		c := Candidate{Name: item.Name}
		if id, err := ari.ComputeIdentifier(cert); err == nil {
			c.ReplacesCertID = id.CertificateID
		}
		candidates = append(candidates, c)
		due[item.Name] = item
	}
	run.Evaluated = len(items)

	log.WithFields(logrus.Fields{
		"evaluated":  len(items),
		"candidates": len(candidates),
	}).Info("Renewal candidates selected")

	// Step 4: One jitter wait before the batch, only what remains of it
	if wait := run.FireAt.Sub(w.now()); len(candidates) > 0 && wait > 0 {
		log.WithFields(logrus.Fields{
			"jitter_sec": run.JitterSec,
			"fire_at":    run.FireAt,
		}).Info("Waiting before starting renewals")
		if err := w.sleep(ctx, wait); err != nil {
			// 保持未完成，下次启动继续等待同一个时间点
			w.save(ctx, run, decisions, candidates, false)
			return run, err
		}
	}

	// Step 5: Start one sub-workflow per candidate; a failure never stops the batch
	for i := range candidates {
		c := &candidates[i]
		entry := log.WithField("certificate", c.Name)

		busy, err := w.engine.HasRunning(ctx, c.Name)
		if err == nil && busy {
			c.Error = "renewal already running"
			entry.Info("Renewal already running, skipping")
			continue
		}

		policy, err := workflow.PolicyFromItem(due[c.Name])
		if err == nil {
			c.InstanceID, err = w.engine.StartSubWorkflow(ctx, policy, c.ReplacesCertID)
		}
		if errors.Is(err, workflow.ErrAlreadyRunning) {
			c.Error = "renewal already running"
			entry.Info("Renewal started elsewhere, skipping")
			continue
		}
		if err != nil {
			c.Error = err.Error()
			run.Failed++
			entry.WithError(err).Error("Failed to start renewal")
			continue
		}
		run.Started++
		entry.WithField("instance_id", c.InstanceID).Info("Renewal started")
	}

	w.save(ctx, run, decisions, candidates, true)
	return run, nil
}

// openRun returns the latest unfinished run, or creates one with a fresh jitter
func (w *RenewWorker) openRun(ctx context.Context) (*model.RenewalRun, error) {
	var run model.RenewalRun
	err := w.db.WithContext(ctx).
		Where("finished_at IS NULL").
		Order("id DESC").
		First(&run).Error
	if err == nil {
		w.logger.WithFields(logrus.Fields{
			"run_id":  run.ID,
			"fire_at": run.FireAt,
		}).Info("Resuming unfinished renewal run")
		return &run, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load renewal run: %w", err)
	}

	jitter := w.drawJitter()
	run = model.RenewalRun{
		JitterSec: jitter,
		FireAt:    w.now().Add(time.Duration(jitter) * time.Second),
	}
	if err := w.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to create renewal run: %w", err)
	}
	return &run, nil
}

func (w *RenewWorker) drawJitter() int {
	if w.maxJitter <= 0 {
		return 0
	}
	return rand.IntN(w.maxJitter + 1)
}

func (w *RenewWorker) save(ctx context.Context, run *model.RenewalRun, decisions map[string]ari.RenewalDecision, candidates []Candidate, finished bool) {
	if finished {
		at := w.now()
		run.FinishedAt = &at
	}
	if b, err := json.Marshal(decisions); err == nil {
		run.Decisions = datatypes.JSON(b)
	}
	if candidates == nil {
		candidates = []Candidate{}
	}
	if b, err := json.Marshal(candidates); err == nil {
		run.Candidates = datatypes.JSON(b)
	}
	if err := w.db.WithContext(context.WithoutCancel(ctx)).Save(run).Error; err != nil {
		w.logger.WithError(err).Warn("Failed to save renewal run")
	}
}
