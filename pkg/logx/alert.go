package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize     = 256
	alertSendTimeout   = 10 * time.Second
	alertMaxLen        = 3500
	alertFieldMaxLen   = 600
	alertStackMaxLen   = 900
	defaultAlertRepeat = time.Minute
)

type alertSettings struct {
	minLevel zerolog.Level
	limiter  *rate.Limiter
	window   time.Duration
	threadID int
}

type alertItem struct {
	chatID   int64
	threadID int
	text     string
}

type repeatState struct {
	at         time.Time
	suppressed int
}

// alertSink is a zerolog LevelWriter that queues formatted lines for a
// background sender. It never blocks the caller.
type alertSink struct {
	sender func() AlertSender
	now    func() time.Time

	mu       sync.Mutex
	set      alertSettings
	chatID   int64
	threadID int
	recent   map[string]*repeatState

	queue   chan alertItem
	once    sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func newAlertSink(sender func() AlertSender) *alertSink {
	return &alertSink{
		sender: sender,
		now:    time.Now,
		set:    alertSettings{minLevel: zerolog.WarnLevel},
		recent: map[string]*repeatState{},
		queue:  make(chan alertItem, alertQueueSize),
	}
}

func (a *alertSink) configure(set alertSettings) {
	if set.window <= 0 {
		set.window = defaultAlertRepeat
	}
	a.mu.Lock()
	a.set = set
	if set.threadID != 0 {
		a.threadID = set.threadID
	}
	a.mu.Unlock()
}

func (a *alertSink) setTarget(chatID int64, threadID int) {
	a.mu.Lock()
	a.chatID = chatID
	if threadID != 0 {
		a.threadID = threadID
	}
	a.mu.Unlock()
}

func (a *alertSink) hasTarget() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID != 0
}

func (a *alertSink) start() {
	a.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.run(ctx)
		}()
	})
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.stopped = true
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.queue:
			sender := a.sender()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, it.chatID, it.threadID, it.text)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	set, chatID, threadID, stopped := a.set, a.chatID, a.threadID, a.stopped
	a.mu.Unlock()

	if stopped || chatID == 0 || set.limiter == nil || level < set.minLevel {
		return len(p), nil
	}
	fields, ok := decodeLine(p)
	if !ok {
		fields = map[string]any{"message": strings.TrimSpace(string(p))}
	}
	suppressed, send := a.admitRepeat(repeatKey(fields), set.window)
	if !send || !set.limiter.Allow() {
		return len(p), nil
	}
	text := formatAlert(fields)
	if suppressed > 0 {
		text = truncate(text+fmt.Sprintf("\n(%d similar alerts suppressed)", suppressed), alertMaxLen)
	}
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alertItem{chatID: chatID, threadID: threadID, text: text}:
	default:
		// Queue full: drop.
	}
	return len(p), nil
}

// admitRepeat reports whether an alert with key should go out now, and how
// many copies were folded since the last one that did.
func (a *alertSink) admitRepeat(key string, window time.Duration) (int, bool) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, st := range a.recent {
		if now.Sub(st.at) >= window && st.suppressed == 0 {
			delete(a.recent, k)
		}
	}
	st, ok := a.recent[key]
	if !ok {
		a.recent[key] = &repeatState{at: now}
		return 0, true
	}
	if now.Sub(st.at) < window {
		st.suppressed++
		return 0, false
	}
	n := st.suppressed
	st.at, st.suppressed = now, 0
	return n, true
}

func repeatKey(m map[string]any) string {
	return fmt.Sprint(m["level"], "|", m["message"], "|", m[KeyComp], "|", m[KeyMerchant])
}

func decodeLine(p []byte) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return nil, false
	}
	if _, ok := m["message"]; !ok {
		if msg, ok := m["msg"]; ok {
			m["message"] = msg
		}
	}
	return m, true
}

var alertLeadKeys = []string{KeyComp, KeyMerchant, KeyJobKey, KeyJobID, KeyKind, KeyAttempt, "err"}

// formatAlert renders a decoded log line as
//
//	[LEVEL] message
//	- comp=... (well-known keys first, the rest sorted)
func formatAlert(m map[string]any) string {
	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	skip := map[string]bool{"time": true, "level": true, "message": true, "msg": true, "stack": true, zerolog.CallerFieldName: true}
	for _, k := range alertLeadKeys {
		if v, ok := m[k]; ok {
			writeAlertField(&b, k, v)
			skip[k] = true
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !skip[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		writeAlertField(&b, k, m[k])
	}
	if st, ok := m["stack"]; ok {
		b.WriteString("\n- stack=\n")
		b.WriteString(truncate(fmt.Sprint(st), alertStackMaxLen))
	}
	return truncate(b.String(), alertMaxLen)
}

func writeAlertField(b *strings.Builder, k string, v any) {
	b.WriteString("\n- ")
	b.WriteString(k)
	b.WriteString("=")
	b.WriteString(truncate(fmt.Sprint(v), alertFieldMaxLen))
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
