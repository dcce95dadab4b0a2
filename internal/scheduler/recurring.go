package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"payrelay/internal/jobs"
	logx "payrelay/pkg/logx"
)

type recurringDef struct {
	Recurring
	spec    string
	entryID cron.EntryID
}

// RecurringKey is the idempotency key of the job enqueued for one fire time.
func RecurringKey(name string, fire time.Time) string {
	return fmt.Sprintf("%s:%d", name, fire.Unix())
}

// ValidateRecurring checks a set of recurring definitions without
// registering them.
func (s *Service) ValidateRecurring(defs []Recurring) error {
	_, err := s.compile(defs)
	return err
}

func (s *Service) compile(defs []Recurring) ([]recurringDef, error) {
	out := make([]recurringDef, 0, len(defs))
	seen := map[string]bool{}
	for _, r := range defs {
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return nil, fmt.Errorf("recurring: name required")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("recurring %s: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if strings.TrimSpace(r.MerchantID) == "" {
			return nil, fmt.Errorf("recurring %s: merchant required", r.Name)
		}
		if !r.Kind.Valid() {
			return nil, fmt.Errorf("recurring %s: unknown kind %q", r.Name, r.Kind)
		}
		spec, err := ParseSchedule(r.Schedule)
		if err != nil {
			return nil, fmt.Errorf("recurring %s: %w", r.Name, err)
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return nil, fmt.Errorf("recurring %s: %w", r.Name, err)
		}
		out = append(out, recurringDef{Recurring: r, spec: spec})
	}
	return out, nil
}

// SetRecurring replaces the recurring schedules. On a running service the
// cron entries are swapped in place.
func (s *Service) SetRecurring(defs []Recurring) error {
	compiled, err := s.compile(defs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, d := range s.recurring {
			s.c.Remove(d.entryID)
		}
	}
	s.recurring = compiled
	if s.c != nil {
		for i := range s.recurring {
			s.addCronLocked(&s.recurring[i])
		}
	}
	return nil
}

func (s *Service) addCronLocked(d *recurringDef) {
	def := d.Recurring
	id, err := s.c.AddFunc(d.spec, func() { s.fire(def, s.now()) })
	if err != nil {
		s.log.Warn("recurring schedule rejected", logx.String("name", def.Name), logx.Err(err))
		return
	}
	d.entryID = id
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.recurring {
		s.addCronLocked(&s.recurring[i])
	}
	s.c.Start()
	s.log.Info("recurring schedules restarted", logx.String("tz", s.loc.String()))
}

// fire enqueues the job for one recurring slot. Cron fires on whole
// seconds, so truncating gives the slot time even when the callback runs late.
func (s *Service) fire(r Recurring, at time.Time) {
	slot := at.Truncate(time.Second)
	key := RecurringKey(r.Name, slot)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, created, err := s.deps.Jobs.Enqueue(ctx, &jobs.Job{
		Key:        key,
		MerchantID: r.MerchantID,
		Kind:       r.Kind,
		Payload:    r.Payload,
		DueAt:      slot,
	})
	if err != nil {
		s.log.Warn("recurring enqueue failed", logx.String("name", r.Name), logx.Err(err))
		return
	}
	if created {
		s.log.Debug("recurring job enqueued", logx.String("name", r.Name), logx.JobKey(key))
		s.Notify()
	}
}

func (s *Service) scheduleInfoLocked() []ScheduleInfo {
	out := make([]ScheduleInfo, 0, len(s.recurring))
	for _, d := range s.recurring {
		si := ScheduleInfo{Name: d.Name, Schedule: d.spec, Merchant: d.MerchantID, Kind: d.Kind}
		if s.c != nil {
			e := s.c.Entry(d.entryID)
			si.Next, si.Prev = e.Next, e.Prev
		}
		out = append(out, si)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
