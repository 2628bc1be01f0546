package observe

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sometimes is a rate-limited logger for per-frame and per-chunk failures on
// the audio hot paths. The first event is logged immediately, later events at
// most once per interval; the number of suppressed events is attached to the
// next line that gets through.
type Sometimes struct {
	logger     *slog.Logger
	level      slog.Level
	limiter    rate.Sometimes
	suppressed atomic.Int64
}

// NewSometimes returns a Sometimes that logs at level through logger at most
// once per interval.
func NewSometimes(logger *slog.Logger, level slog.Level, interval time.Duration) *Sometimes {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sometimes{
		logger:  logger,
		level:   level,
		limiter: rate.Sometimes{First: 1, Interval: interval},
	}
}

// Log emits msg unless the interval has not yet elapsed since the last
// emitted line. It reports whether the line was written.
func (s *Sometimes) Log(msg string, args ...any) bool {
	logged := false
	s.limiter.Do(func() {
		if n := s.suppressed.Swap(0); n > 0 {
			args = append(args, slog.Int64("suppressed", n))
		}
		s.logger.Log(context.Background(), s.level, msg, args...)
		logged = true
	})
	if !logged {
		s.suppressed.Add(1)
	}
	return logged
}

// Suppressed returns the number of events dropped since the last emitted line.
func (s *Sometimes) Suppressed() int64 { return s.suppressed.Load() }
