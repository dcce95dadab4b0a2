package jobs

import (
	"fmt"
	"strings"
	"time"
)

// State is the dispatch state of a job.
//
//	pending ─┐
//	         ├─> in_flight ─> succeeded
//	retry ───┘            ├─> retry_scheduled
//	                      └─> failed_permanent
type State string

const (
	StatePending         State = "pending"
	StateInFlight        State = "in_flight"
	StateSucceeded       State = "succeeded"
	StateRetryScheduled  State = "retry_scheduled"
	StateFailedPermanent State = "failed_permanent"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailedPermanent
}

// Claimable reports whether markInFlight may claim a job in state s.
func (s State) Claimable() bool {
	return s == StatePending || s == StateRetryScheduled
}

// Kind is the operation kind of a job. The set is closed: every kind is bound
// to exactly one capability at startup.
type Kind string

const (
	KindNotify        Kind = "notify"
	KindPaymentCharge Kind = "payment.charge"
	KindPaymentRefund Kind = "payment.refund"
	KindPaymentStatus Kind = "payment.status"
)

// Kinds lists every known operation kind.
var Kinds = []Kind{KindNotify, KindPaymentCharge, KindPaymentRefund, KindPaymentStatus}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", raw)
	}
	return k, nil
}

// Outcome classifies one attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Terminal reasons.
const (
	ReasonCancelled            = "cancelled"
	ReasonRetryBudgetExhausted = "retry_budget_exhausted"
	ReasonPermanentFailure     = "permanent_failure"
	ReasonCapabilityDisabled   = "capability_disabled"
	ReasonUnknownMerchant      = "unknown_merchant"
)

// Error kinds recorded on the job for attempts that did not reach a capability.
const (
	ErrorKindSuspended = "merchant_suspended"
	ErrorKindStale     = "stale_in_flight"
	ErrorKindAborted   = "aborted"
)

// Job is a scheduled outbound operation.
type Job struct {
	ID         string    `json:"id"`
	Key        string    `json:"idempotency_key"`
	MerchantID string    `json:"merchant_id"`
	Kind       Kind      `json:"kind"`
	Payload    []byte    `json:"payload,omitempty"`
	DueAt      time.Time `json:"due_at"`
	State      State     `json:"state"`

	// Attempts counts every attempt that reached a capability. It never decreases.
	Attempts int `json:"attempts"`
	// BudgetBase is the value of Attempts at the last administrative requeue;
	// the retry budget is measured from here.
	BudgetBase int `json:"budget_base,omitempty"`

	LastErrorKind string    `json:"last_error_kind,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	NextRetryAt   time.Time `json:"next_retry_at,omitempty"`
	Reason        string    `json:"reason,omitempty"`

	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BudgetUsed returns the number of attempts counted against the retry budget.
func (j *Job) BudgetUsed() int {
	if j == nil {
		return 0
	}
	n := j.Attempts - j.BudgetBase
	if n < 0 {
		return 0
	}
	return n
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	return &cp
}

// Validate checks the caller-supplied fields of a new job.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if strings.TrimSpace(j.Key) == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if strings.TrimSpace(j.MerchantID) == "" {
		return fmt.Errorf("merchant_id is required")
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", j.Kind)
	}
	return nil
}

// Attempt is the immutable record of one dispatch try.
type Attempt struct {
	JobID     string        `json:"job_id"`
	Number    int           `json:"number"`
	At        time.Time     `json:"at"`
	Outcome   Outcome       `json:"outcome"`
	Latency   time.Duration `json:"latency"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
}
