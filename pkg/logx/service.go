package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards log lines at or above MinLevel (default warn) to the
// operator chat through the AlertSender.
type AlertConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
	// RepeatWindow folds identical alerts (same level, message, component
	// and merchant) seen within the window into one; default 1m.
	RepeatWindow time.Duration
}

// AlertSender delivers alert lines to an operator chat. The Telegram
// capability client implements it.
type AlertSender interface {
	SendAlert(ctx context.Context, chatID int64, threadID int, text string) error
}

// Service owns the live root logger and swaps its sinks on Apply.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger
	file *os.File

	sender AlertSender
	alerts *alertSink
}

// New creates the logging service, applies cfg immediately and returns the
// Service with a root Logger that follows later Apply calls.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{sender: sender}
	s.alerts = newAlertSink(s.currentSender)
	s.alerts.setTarget(0, cfg.Alert.ThreadID)
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if v := s.root.Load(); v != nil {
		return v.(zerolog.Logger)
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) currentSender() AlertSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}

// SetSender swaps the alert sender. A nil sender silently drops alerts.
func (s *Service) SetSender(sender AlertSender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// SetAlertTarget sets the chat (and optional thread) alerts go to. A zero
// chat disables delivery without touching the rest of the config.
func (s *Service) SetAlertTarget(chatID int64, threadID int) {
	s.alerts.setTarget(chatID, threadID)
}

func (s *Service) Close() error {
	s.alerts.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels at runtime. It is safe to call
// concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./payrelay.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	rps := max(1, cfg.Alert.RatePerSec)
	s.alerts.configure(alertSettings{
		minLevel: parseLevel(cfg.Alert.MinLevel, zerolog.WarnLevel),
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		window:   cfg.Alert.RepeatWindow,
		threadID: cfg.Alert.ThreadID,
	})
	if cfg.Alert.Enabled {
		s.alerts.start()
		writers = append(writers, s.alerts)
		if !s.alerts.hasTarget() {
			fmt.Fprintln(Stderr(), "logx: alerts enabled but telegram.alert_chat_id is not set")
		}
	}

	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)
	s.root.Store(zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger())
}
