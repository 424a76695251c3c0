package latency

import (
	"log/slog"
	"time"
)

type Profiler struct {
	start  time.Time
	label  string
	logger *slog.Logger
}

func Start(label string) Profiler {
	return StartWith(slog.Default(), label)
}

func StartWith(logger *slog.Logger, label string) Profiler {
	return Profiler{start: time.Now(), label: label, logger: logger}
}

// Stop logs the elapsed time at debug level and returns it. Extra
// attributes are appended to the log line.
func (p Profiler) Stop(args ...any) time.Duration {
	elapsed := time.Since(p.start)
	if p.logger != nil {
		p.logger.Debug("profile", append([]any{"label", p.label, "took", elapsed}, args...)...)
	}
	return elapsed
}
