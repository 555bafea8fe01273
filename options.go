package cohort

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-metrics"
)

// DefaultPrintCapacity is the size of the per-rank buffer `AllRanksPrint`
// renders into.
const DefaultPrintCapacity = 1024

type config struct {
	master        int
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
	output        io.Writer
	printCapacity int
}

func defaultConfig() config {
	return config{
		output:        os.Stdout,
		printCapacity: DefaultPrintCapacity,
	}
}

// Option to pass to `New` and `NewSubgroup`.
type Option func(*config) error

// WithMaster designates the coordinator rank. It is checked against the
// group size once it is known.
func WithMaster(rank int) Option {
	return func(c *config) error {
		if rank < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidMaster, rank)
		}
		c.master = rank
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use for diagnostics.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the group.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the group.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithOutput redirects `MasterPrint` and `AllRanksPrint`. Default to
// `os.Stdout`.
func WithOutput(w io.Writer) Option {
	return func(c *config) error {
		if w == nil {
			w = io.Discard
		}
		c.output = w
		return nil
	}
}

// WithPrintCapacity sets the fixed size of the buffer each rank renders its
// `AllRanksPrint` message into. Longer messages are truncated.
func WithPrintCapacity(capacity int) Option {
	return func(c *config) error {
		if capacity <= 0 {
			return fmt.Errorf("print capacity must be positive, got %d", capacity)
		}
		c.printCapacity = capacity
		return nil
	}
}
