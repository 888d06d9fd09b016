package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/sirupsen/logrus"

	"go_acmebot/internal/acme"
	"go_acmebot/internal/ari"
	"go_acmebot/internal/dns"
	"go_acmebot/internal/retry"
	"go_acmebot/internal/vault"
)

// StepID names one step of the certificate workflow
type StepID string

const (
	StepPrecondition StepID = "precondition"
	StepOrder        StepID = "order"
	StepAuthorize    StepID = "authorize"
	StepPublish      StepID = "publish"
	StepVerify       StepID = "verify"
	StepAnswer       StepID = "answer"
	StepPollOrder    StepID = "poll-order"
	StepFinalize     StepID = "finalize"
	StepMerge        StepID = "merge"
	StepCleanup      StepID = "cleanup"
	StepNotify       StepID = "notify"
)

// stepFunc runs one step and returns the step to continue with
type stepFunc func(e *Engine, ctx context.Context, x *execution) retry.Result[StepID]

// steps is the dispatch table of the main sequence. Cleanup and Notify run
// from the engine's finally path and are not listed.
var steps = map[StepID]stepFunc{
	StepPrecondition: (*Engine).precondition,
	StepOrder:        (*Engine).createOrder,
	StepAuthorize:    (*Engine).authorize,
	StepPublish:      (*Engine).publish,
	StepVerify:       (*Engine).verify,
	StepAnswer:       (*Engine).answer,
	StepPollOrder:    (*Engine).pollOrder,
	StepFinalize:     (*Engine).finalize,
	StepMerge:        (*Engine).merge,
}

// notifyPolicy makes a single delivery attempt
var notifyPolicy = retry.Policy{Name: "notify", MaxAttempts: 1}

// execution is the state of one whole-certificate attempt. Everything in it
// is rebuilt from recorded outputs on replay.
type execution struct {
	instanceID string
	policy     CertificatePolicy
	replaces   string
	w          *Context
	logger     *logrus.Entry

	zones      map[string]string
	order      acme.Order
	challenges []dns.ChallengeResult
	groups     []dns.RecordGroup
	published  []dns.PublishedRecord
	chain      string
	stored     vault.StoredCertificate
	certID     string

	// exhausted is set when a step ran out of retries, orderInvalid when the
	// CA invalidated the order. Both may succeed on a fresh attempt.
	exhausted    bool
	orderInvalid bool
}

func (x *execution) restartable() bool {
	return x.exhausted || x.orderInvalid
}

func (x *execution) success() Success {
	return Success{
		CertificateName: x.policy.CertificateName,
		CertificateID:   x.certID,
		ExpiresOn:       x.stored.ExpiresOn,
		Version:         x.stored.Version,
		SerialNumber:    x.stored.SerialNumber,
	}
}

// activity runs fn as a recorded activity under policy p. check, when set,
// inspects the recorded value and may turn it into a retry or failure.
func activity[T any](ctx context.Context, x *execution, name string, p retry.Policy, input interface{},
	fn func(ctx context.Context) retry.Result[T], check func(T) retry.Result[T]) retry.Result[T] {
	var last retry.Kind
	res := retry.Run(ctx, p, x.w, func(ctx context.Context, attempt int) retry.Result[T] {
		r := Call(ctx, x.w, name, input, fn)
		if r.IsOk() && check != nil {
			r = check(r.Value)
		}
		last = r.Kind
		return r
	})
	if res.Kind == retry.KindFatal && last == retry.KindRetriable {
		x.exhausted = true
	}
	return res
}

// fromACME classifies a session call
func fromACME[T any](v T, err error) retry.Result[T] {
	if err == nil {
		return retry.Ok(v)
	}
	return retry.Result[T]{Kind: acme.Classify(err), Reason: err.Error()}
}

func next(id StepID) retry.Result[StepID] {
	return retry.Ok(id)
}

// Step 1: every challenge record must land in a configured zone
func (e *Engine) precondition(ctx context.Context, x *execution) retry.Result[StepID] {
	var records []string
	for _, name := range x.policy.ValidationNames() {
		records = append(records, dns.ChallengeRecordName(name))
	}

	res := activity(ctx, x, "resolve-zones", retry.Default, records,
		func(ctx context.Context) retry.Result[map[string]string] {
			zones, err := e.coordinator.ResolveAll(ctx, records)
			if err != nil {
				return retry.From[map[string]string](nil, err)
			}
			out := make(map[string]string, len(zones))
			for name, z := range zones {
				out[name] = z.Provider + "/" + z.Name
			}
			return retry.Ok(out)
		}, nil)
	if !res.IsOk() {
		return retry.Cast[StepID](res)
	}
	x.zones = res.Value

	if want := x.policy.DNSProviderName; want != "" {
		for name, owner := range x.zones {
			if provider, _, _ := strings.Cut(owner, "/"); provider != want {
				return retry.Failf[StepID]("%s is served by %s, policy requires %s", name, provider, want)
			}
		}
	}
	return next(StepOrder)
}

// Step 2: create the order; a CA that remembers earlier validation lets us skip ahead
func (e *Engine) createOrder(ctx context.Context, x *execution) retry.Result[StepID] {
	input := map[string]interface{}{"names": x.policy.DNSNames, "replaces": x.replaces}
	res := activity(ctx, x, "create-order", retry.Default, input,
		func(ctx context.Context) retry.Result[acme.Order] {
			o, err := e.session.CreateOrder(ctx, x.policy.DNSNames, x.replaces)
			return fromACME(o, err)
		}, nil)
	if !res.IsOk() {
		return retry.Cast[StepID](res)
	}
	x.order = res.Value

	x.logger.WithFields(logrus.Fields{
		"order":  x.order.URL,
		"status": x.order.Status,
	}).Info("Order created")

	switch x.order.Status {
	case acme.StatusReady:
		return next(StepAnswer)
	case acme.StatusValid:
		return next(StepMerge)
	case acme.StatusInvalid:
		x.orderInvalid = true
		return retry.Failf[StepID]("%v: %s", acme.ErrOrderInvalid, x.order.Error)
	}
	return next(StepAuthorize)
}

// Step 3: one challenge result per pending authorization
func (e *Engine) authorize(ctx context.Context, x *execution) retry.Result[StepID] {
	x.challenges = nil
	for _, url := range x.order.AuthorizationURLs {
		res := activity(ctx, x, "get-authorization", retry.Default, url,
			func(ctx context.Context) retry.Result[acme.Authorization] {
				a, err := e.session.GetAuthorization(ctx, url)
				return fromACME(a, err)
			}, nil)
		if !res.IsOk() {
			return retry.Cast[StepID](res)
		}
		authz := res.Value

		switch authz.Status {
		case acme.StatusValid:
			continue
		case acme.StatusPending:
		default:
			x.orderInvalid = true
			return retry.Failf[StepID]("authorization for %s is %s", authz.Identifier, authz.Status)
		}

		chall, ok := authz.DNS01()
		if !ok {
			return retry.Failf[StepID]("authorization for %s offers no dns-01 challenge", authz.Identifier)
		}
		keyAuth, err := e.session.KeyAuthorization(chall.Token)
		if err != nil {
			return retry.Failf[StepID]("key authorization for %s: %v", authz.Identifier, err)
		}

		target := authz.Identifier
		if x.policy.DNSAlias != "" {
			target = x.policy.DNSAlias
		}
		x.challenges = append(x.challenges, dns.ChallengeResult{
			ChallengeURL:   chall.URL,
			DNSRecordName:  dns.ChallengeRecordName(target),
			DNSRecordValue: acme.DNS01Value(keyAuth),
		})
	}

	if len(x.challenges) == 0 {
		return next(StepPollOrder)
	}
	return next(StepPublish)
}

type publishOutput struct {
	Records            []dns.PublishedRecord `json:"records"`
	PropagationSeconds int                   `json:"propagationSeconds"`
}

// Step 4: replace each record set, then wait out provider propagation
func (e *Engine) publish(ctx context.Context, x *execution) retry.Result[StepID] {
	x.groups = dns.GroupByRecordName(x.challenges)

	res := activity(ctx, x, "publish-records", retry.RecordLock, x.groups,
		func(ctx context.Context) retry.Result[publishOutput] {
			records, err := e.coordinator.PublishChallenges(ctx, x.instanceID, x.groups)
			if err != nil {
				// 部分写入的记录和锁在重试或失败前释放
				if len(records) > 0 {
					if cerr := e.coordinator.CleanupChallenges(ctx, x.instanceID, records); cerr != nil {
						x.logger.WithError(cerr).Warn("Failed to clean up partially published records")
					}
				}
				return retry.From(publishOutput{}, err)
			}
			return retry.Ok(publishOutput{Records: records, PropagationSeconds: e.coordinator.PropagationSeconds(records)})
		}, nil)
	if !res.IsOk() {
		return retry.Cast[StepID](res)
	}
	x.published = res.Value.Records

	if secs := res.Value.PropagationSeconds; secs > 0 {
		x.logger.WithField("seconds", secs).Info("Waiting for DNS propagation")
		if err := x.w.Sleep(ctx, time.Duration(secs)*time.Second); err != nil {
			return retry.Failf[StepID]("propagation wait interrupted: %v", err)
		}
	}
	return next(StepVerify)
}

// Step 5: the values must be visible through public resolvers
func (e *Engine) verify(ctx context.Context, x *execution) retry.Result[StepID] {
	res := activity(ctx, x, "lookup-txt", retry.DNSVerify, x.groups,
		func(ctx context.Context) retry.Result[struct{}] {
			return dns.VerifyChallenges(ctx, e.resolver, x.groups)
		}, nil)
	if !res.IsOk() {
		return retry.Cast[StepID](res)
	}
	return next(StepAnswer)
}

// Step 6: tell the CA every challenge is ready
func (e *Engine) answer(ctx context.Context, x *execution) retry.Result[StepID] {
	for _, c := range x.challenges {
		url := c.ChallengeURL
		res := activity(ctx, x, "answer-challenge", retry.Default, url,
			func(ctx context.Context) retry.Result[struct{}] {
				return fromACME(struct{}{}, e.session.AnswerChallenge(ctx, url))
			}, nil)
		if !res.IsOk() {
			return retry.Cast[StepID](res)
		}
	}
	return next(StepPollOrder)
}

// awaitOrder polls the order until its status is one of done
func (e *Engine) awaitOrder(ctx context.Context, x *execution, done ...string) retry.Result[acme.Order] {
	url := x.order.URL
	return activity(ctx, x, "get-order", retry.OrderPoll, url,
		func(ctx context.Context) retry.Result[acme.Order] {
			o, err := e.session.GetOrder(ctx, url)
			return fromACME(o, err)
		},
		func(o acme.Order) retry.Result[acme.Order] {
			if o.Status == acme.StatusInvalid {
				x.orderInvalid = true
				return retry.Failf[acme.Order]("%v: %s", acme.ErrOrderInvalid, o.Error)
			}
			for _, s := range done {
				if o.Status == s {
					return retry.Ok(o)
				}
			}
			return retry.Retryf[acme.Order]("order is %s", o.Status)
		})
}

// Step 7: finalize only once the CA leaves pending/processing
func (e *Engine) pollOrder(ctx context.Context, x *execution) retry.Result[StepID] {
	res := e.awaitOrder(ctx, x, acme.StatusReady, acme.StatusValid)
	if !res.IsOk() {
		return retry.Cast[StepID](res)
	}
	x.order = res.Value
	if x.order.Status == acme.StatusValid {
		return next(StepMerge)
	}
	return next(StepFinalize)
}

// Step 8: submit the vault's CSR, then wait for issuance
func (e *Engine) finalize(ctx context.Context, x *execution) retry.Result[StepID] {
	csr := activity(ctx, x, "request-csr", retry.Default, x.policy.CertificateName,
		func(ctx context.Context) retry.Result[[]byte] {
			der, err := e.vault.RequestCertificateSigningRequest(ctx, x.policy.CertificateName, vault.CSRRequest{
				DNSNames: x.policy.DNSNames,
				Key:      x.policy.KeyParams(),
				Policy:   x.policy.JSON(),
			})
			return retry.From(der, err)
		}, nil)
	if !csr.IsOk() {
		return retry.Cast[StepID](csr)
	}

	res := activity(ctx, x, "finalize-order", retry.Default, x.order.FinalizeURL,
		func(ctx context.Context) retry.Result[acme.Order] {
			o, err := e.session.Finalize(ctx, x.order.FinalizeURL, csr.Value)
			return fromACME(o, err)
		}, nil)
	if !res.IsOk() {
		return retry.Cast[StepID](res)
	}

	url := x.order.URL
	x.order = res.Value
	if x.order.URL == "" {
		x.order.URL = url
	}

	switch x.order.Status {
	case acme.StatusValid:
		return next(StepMerge)
	case acme.StatusInvalid:
		x.orderInvalid = true
		return retry.Failf[StepID]("%v: %s", acme.ErrOrderInvalid, x.order.Error)
	}

	polled := e.awaitOrder(ctx, x, acme.StatusValid)
	if !polled.IsOk() {
		return retry.Cast[StepID](polled)
	}
	x.order = polled.Value
	return next(StepMerge)
}

// Step 9: download the chain and join it with the vault-held key
func (e *Engine) merge(ctx context.Context, x *execution) retry.Result[StepID] {
	chain := activity(ctx, x, "download-certificate", retry.Default, x.order.CertificateURL,
		func(ctx context.Context) retry.Result[string] {
			b, err := e.session.DownloadCertificate(ctx, x.order, e.preferredChain)
			return fromACME(string(b), err)
		}, nil)
	if !chain.IsOk() {
		return retry.Cast[StepID](chain)
	}
	x.chain = chain.Value

	stored := activity(ctx, x, "merge-certificate", retry.Default, x.policy.CertificateName,
		func(ctx context.Context) retry.Result[vault.StoredCertificate] {
			sc, err := e.vault.MergeCertificate(ctx, x.policy.CertificateName, []byte(x.chain))
			return retry.From(sc, err)
		}, nil)
	if !stored.IsOk() {
		return retry.Cast[StepID](stored)
	}
	x.stored = stored.Value

	leaf, err := certcrypto.ParsePEMCertificate([]byte(x.chain))
	if err != nil {
		return retry.Failf[StepID]("failed to parse issued certificate: %v", err)
	}
	if id, err := ari.ComputeIdentifier(leaf); err == nil {
		x.certID = id.CertificateID
	} else {
		x.logger.WithError(err).Warn("Issued certificate has no ARI identifier")
	}

	x.logger.WithFields(logrus.Fields{
		"version":    x.stored.Version,
		"serial":     x.stored.SerialNumber,
		"expires_on": x.stored.ExpiresOn,
	}).Info("Certificate stored")
	return next(StepCleanup)
}

// Step 10: remove what Publish wrote. Failures are logged only.
func (e *Engine) cleanup(ctx context.Context, x *execution) {
	if len(x.published) == 0 {
		return
	}
	x.w.setStep(StepCleanup)

	res := activity(ctx, x, "delete-records", retry.Default, x.published,
		func(ctx context.Context) retry.Result[struct{}] {
			return retry.From(struct{}{}, e.coordinator.CleanupChallenges(ctx, x.instanceID, x.published))
		}, nil)
	if !res.IsOk() && !x.w.Suspended() {
		x.logger.WithField("reason", res.Reason).Warn("Challenge cleanup failed")
	}
}

// Step 11: report the outcome. Delivery failures never change it.
func (e *Engine) notify(ctx context.Context, w *Context, policy CertificatePolicy, outcome retry.Result[Success], logger *logrus.Entry) {
	w.setStep(StepNotify)
	x := &execution{w: w, logger: logger}

	res := activity(ctx, x, "webhook", notifyPolicy, outcome.Kind.String(),
		func(ctx context.Context) retry.Result[struct{}] {
			var err error
			if outcome.IsOk() {
				err = e.notifier.NotifyCompleted(ctx, policy.CertificateName, outcome.Value.ExpiresOn, policy.DNSNames)
			} else {
				err = e.notifier.NotifyFailed(ctx, policy.CertificateName, policy.DNSNames, outcome.Reason)
			}
			if err != nil {
				return retry.Fail[struct{}](err.Error())
			}
			return retry.Ok(struct{}{})
		}, nil)
	if !res.IsOk() && !w.Suspended() {
		logger.WithField("reason", res.Reason).Warn("Notification failed")
	}
}

// runSteps drives the dispatch table from Precondition to Merge
func (e *Engine) runSteps(ctx context.Context, x *execution) retry.Result[struct{}] {
	id := StepPrecondition
	for id != StepCleanup {
		run, ok := steps[id]
		if !ok {
			return retry.Failf[struct{}]("unknown step %q", id)
		}
		x.w.setStep(id)
		if !x.w.Replaying() {
			x.logger.WithField("step", id).Debug("Step started")
		}

		res := run(e, ctx, x)
		if !res.IsOk() {
			if res.Reason == reasonSuspended {
				return retry.Cast[struct{}](res)
			}
			return retry.Result[struct{}]{Kind: res.Kind, Reason: fmt.Sprintf("%s: %s", id, res.Reason)}
		}
		id = res.Value
	}
	return retry.Ok(struct{}{})
}
