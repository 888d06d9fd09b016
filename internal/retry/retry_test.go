package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func TestRun_ExhaustsRetriable(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	res := Run(context.Background(), DNSVerify, sleeper, func(ctx context.Context, attempt int) Result[string] {
		calls++
		return Retry[string]("TXT record _acme-challenge.example.com not found")
	})

	if calls != DNSVerify.MaxAttempts {
		t.Errorf("fn called %d times; want %d", calls, DNSVerify.MaxAttempts)
	}
	if res.Kind != KindFatal {
		t.Errorf("Kind = %v; want fatal", res.Kind)
	}
	if res.Reason != "TXT record _acme-challenge.example.com not found" {
		t.Errorf("Reason = %q; want original retriable reason", res.Reason)
	}
	if len(sleeper.delays) != DNSVerify.MaxAttempts-1 {
		t.Errorf("slept %d times; want %d", len(sleeper.delays), DNSVerify.MaxAttempts-1)
	}
	for i, d := range sleeper.delays {
		if d != 10*time.Second {
			t.Errorf("delay[%d] = %v; want 10s", i, d)
		}
	}
}

func TestRun_StopsOnOkAndFatal(t *testing.T) {
	tests := []struct {
		name      string
		results   []Result[int]
		wantKind  Kind
		wantCalls int
	}{
		{"ok first", []Result[int]{Ok(1)}, KindOk, 1},
		{"ok after retries", []Result[int]{Retry[int]("a"), Retry[int]("b"), Ok(3)}, KindOk, 3},
		{"fatal stops", []Result[int]{Retry[int]("a"), Fail[int]("invalid order")}, KindFatal, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			res := Run(context.Background(), OrderPoll, &recordingSleeper{}, func(ctx context.Context, attempt int) Result[int] {
				r := tt.results[calls]
				calls++
				return r
			})
			if res.Kind != tt.wantKind {
				t.Errorf("Kind = %v; want %v", res.Kind, tt.wantKind)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d; want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRun_SleeperError(t *testing.T) {
	failing := SleeperFunc(func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	})
	res := Run(context.Background(), Default, failing, func(ctx context.Context, attempt int) Result[int] {
		return Retry[int]("busy")
	})
	if res.Kind != KindFatal {
		t.Fatalf("Kind = %v; want fatal", res.Kind)
	}
}

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{OrderPoll, 1, 5 * time.Second},
		{OrderPoll, 7, 5 * time.Second},
		{Default, 1, 5 * time.Second},
		{Default, 2, 10 * time.Second},
		{Default, 3, 20 * time.Second},
		{Default, 4, 30 * time.Second},
		{Default, 50, 30 * time.Second},
		{CertificateSubWorkflow, 1, 6 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.policy.Name, tt.attempt), func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v; want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOk},
		{"plain", errors.New("boom"), KindFatal},
		{"marked", Retriable(errors.New("503")), KindRetriable},
		{"wrapped marked", fmt.Errorf("create record: %w", Retriable(errors.New("503"))), KindRetriable},
		{"deadline", context.DeadlineExceeded, KindRetriable},
		{"net timeout", timeoutErr{}, KindRetriable},
		{"result error", Fail[int]("no zone").Err(), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := map[int]Kind{
		http.StatusOK:                  KindOk,
		http.StatusBadRequest:          KindFatal,
		http.StatusNotFound:            KindFatal,
		http.StatusTooManyRequests:     KindRetriable,
		http.StatusInternalServerError: KindRetriable,
		http.StatusBadGateway:          KindRetriable,
	}
	for code, want := range tests {
		if got := ClassifyHTTPStatus(code); got != want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v; want %v", code, got, want)
		}
	}
}
