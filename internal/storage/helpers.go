package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"payrelay/internal/jobs"
)

// prepareNew validates a caller-supplied job and fills store-owned fields.
func prepareNew(j *jobs.Job) (*jobs.Job, error) {
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	now := time.Now()
	out := j.Clone()
	out.Key = strings.TrimSpace(out.Key)
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if out.DueAt.IsZero() {
		out.DueAt = out.CreatedAt
	}
	out.UpdatedAt = out.CreatedAt
	out.State = jobs.StatePending
	out.Attempts = 0
	out.BudgetBase = 0
	out.LastErrorKind = ""
	out.LastError = ""
	out.NextRetryAt = time.Time{}
	out.Reason = ""
	return out, nil
}

func sortDue(js []*jobs.Job) {
	sort.Slice(js, func(i, k int) bool {
		if !js[i].DueAt.Equal(js[k].DueAt) {
			return js[i].DueAt.Before(js[k].DueAt)
		}
		return js[i].Seq < js[k].Seq
	})
}

const jobColumns = `seq, id, idem_key, merchant_id, kind, payload, due_at, state, attempts, budget_base,
	last_error_kind, last_error, next_retry_at, reason, created_at, updated_at`
