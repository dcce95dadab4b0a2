package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payrelay/internal/capability"
	"payrelay/internal/jobs"
	logx "payrelay/pkg/logx"
)

func TestExecuteSendsHeadersAndBody(t *testing.T) {
	t.Parallel()
	var (
		gotPath, gotAuth, gotKey, gotMerchant string
		gotBody                               []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		gotMerchant = r.Header.Get("X-Merchant-ID")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	err = c.Execute(context.Background(), capability.Request{
		Kind:           jobs.KindPaymentCharge,
		MerchantID:     "m1",
		IdempotencyKey: "order-1",
		Payload:        []byte(`{"amount":100}`),
		Credentials:    capability.Credentials{Secret: "sk"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/charges" || gotAuth != "Bearer sk" || gotKey != "order-1" || gotMerchant != "m1" {
		t.Fatalf("request = %s %s %s %s", gotPath, gotAuth, gotKey, gotMerchant)
	}
	if string(gotBody) != `{"amount":100}` {
		t.Fatalf("body = %s", gotBody)
	}
}

func TestExecuteClassifiesStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		outcome    jobs.Outcome
		after      time.Duration
		code       string
	}{
		{name: "ok", status: 200, outcome: jobs.OutcomeSuccess},
		{name: "throttled", status: 429, retryAfter: "7", outcome: jobs.OutcomeTransient, after: 7 * time.Second, code: "http_429"},
		{name: "unavailable", status: 503, outcome: jobs.OutcomeTransient, code: "http_503"},
		{name: "request timeout", status: 408, outcome: jobs.OutcomeTransient, code: "http_408"},
		{name: "declined", status: 402, body: `{"code":"card_declined","message":"insufficient funds"}`, outcome: jobs.OutcomePermanent, code: "card_declined"},
		{name: "bad request", status: 400, outcome: jobs.OutcomePermanent, code: "http_400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, _ := New(Config{BaseURL: srv.URL}, logx.Nop())
			err := c.Execute(context.Background(), capability.Request{Kind: jobs.KindPaymentRefund, Payload: []byte(`{}`)})
			cl := capability.Classify(err)
			if cl.Outcome != tt.outcome || cl.RetryAfter != tt.after || cl.Code != tt.code {
				t.Fatalf("classification = %+v (err %v)", cl, err)
			}
		})
	}
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := New(Config{BaseURL: srv.URL}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Execute(ctx, capability.Request{Kind: jobs.KindPaymentStatus})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if cl := capability.Classify(err); cl.Outcome != jobs.OutcomeTransient {
		t.Fatalf("classification = %+v", cl)
	}
}

func TestExecuteRejectsNonPaymentKind(t *testing.T) {
	t.Parallel()
	c, _ := New(Config{BaseURL: "http://127.0.0.1:1"}, logx.Nop())
	err := c.Execute(context.Background(), capability.Request{Kind: jobs.KindNotify})
	if cl := capability.Classify(err); cl.Outcome != jobs.OutcomePermanent {
		t.Fatalf("classification = %+v", cl)
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &Client{now: func() time.Time { return now }}
	if d := c.retryAfter(now.Add(30 * time.Second).Format(http.TimeFormat)); d != 30*time.Second {
		t.Fatalf("retryAfter = %v", d)
	}
	if d := c.retryAfter("soon"); d != 0 {
		t.Fatalf("retryAfter(soon) = %v", d)
	}
}
