package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger writes JSON lines to dir/file and a human readable copy to stderr.
// The returned closer closes the log file.
func NewLogger(dir, file, level string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.DebugLevel
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("%w: create log dir: %v", ErrIO, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("%w: open log file: %v", ErrIO, err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	logger := zerolog.New(zerolog.MultiLevelWriter(console, f)).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	return logger, f, nil
}
