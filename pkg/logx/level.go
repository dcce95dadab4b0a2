package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// parseLevel accepts zerolog level names plus "warning". Blank or unknown
// input yields def.
func parseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl < LevelTrace || lvl > LevelError {
		return def
	}
	return lvl
}

// ValidLevel reports whether s names a level this package writes.
// Blank counts as valid and means the default.
func ValidLevel(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	return parseLevel(s, zerolog.Disabled) != zerolog.Disabled
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTimeFormat,
		// The caller is already file:line.
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
