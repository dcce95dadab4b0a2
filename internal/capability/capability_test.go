package capability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"payrelay/internal/jobs"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name  string
		err   error
		want  jobs.Outcome
		after time.Duration
		code  string
	}{
		{name: "nil", err: nil, want: jobs.OutcomeSuccess},
		{name: "plain", err: base, want: jobs.OutcomeTransient},
		{name: "transient", err: Transient(base), want: jobs.OutcomeTransient},
		{name: "permanent", err: Permanent(base), want: jobs.OutcomePermanent},
		{name: "wrapped permanent", err: fmt.Errorf("charge: %w", Permanent(base)), want: jobs.OutcomePermanent},
		{name: "retry after", err: RetryAfter(base, 3*time.Second), want: jobs.OutcomeTransient, after: 3 * time.Second},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: jobs.OutcomeTransient, code: "timeout"},
		{name: "coded permanent", err: WithCode(Permanent(base), "card_declined"), want: jobs.OutcomePermanent, code: "card_declined"},
		{name: "disabled", err: fmt.Errorf("%w: notify", ErrDisabled), want: jobs.OutcomePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err)
			if got.Outcome != tt.want || got.RetryAfter != tt.after || got.Code != tt.code {
				t.Fatalf("Classify(%v) = %+v", tt.err, got)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	noop := Func(func(context.Context, Request) error { return nil })

	if err := r.Register(jobs.KindNotify, noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(jobs.KindNotify, noop); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if err := r.Register("fax", noop); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v", err)
	}

	c, err := r.Lookup(jobs.KindNotify)
	if err != nil || c.Execute(context.Background(), Request{}) != nil {
		t.Fatalf("lookup notify: %v", err)
	}
	if _, err := r.Lookup(jobs.KindPaymentCharge); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if ks := r.Kinds(); len(ks) != 1 || ks[0] != jobs.KindNotify {
		t.Fatalf("kinds = %v", ks)
	}
}
