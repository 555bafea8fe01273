package mesh

import (
	"errors"
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	ErrInvalidCfg = errors.New("mesh: invalid options")
	ErrNodeClosed = errors.New("mesh: node closed")
	ErrNoSuchRank = errors.New("mesh: destination rank does not exist")
)

const defaultLaneDepth uint = 1024

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	laneDepth    uint
}

// Option to pass to `NewNode` and `NewLocalJob`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the node.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithLaneDepth bounds how many unmatched messages of the same source and
// tag a node buffers before senders block.
func WithLaneDepth(depth uint) Option {
	return func(c *config) error {
		if depth == 0 {
			depth = defaultLaneDepth
		}
		c.laneDepth = depth
		return nil
	}
}
