package fabric

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// ALPN negotiated by the data plane when the TLS config names none.
const ALPN = "cohort/1"

const MaxNodeNameLength = 128

var InvalidNodeName = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

func ValidateNodeName(name string) bool {
	return !InvalidNodeName.MatchString(name) && len(name) <= MaxNodeNameLength
}

type config struct {
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	rank         int
	size         int
	laneDepth    uint
	advertise    string
}

// Option to pass to `Create`
type Option func(*config) error

// WithRank sets the world rank of this process and the size of the job.
// It is mandatory.
func WithRank(rank, size int) Option {
	return func(c *config) error {
		if size <= 0 || rank < 0 || rank >= size {
			return fmt.Errorf("rank %d is not part of a job of size %d", rank, size)
		}
		c.rank = rank
		c.size = size
		return nil
	}
}

// WithGossipListen specifies where memberlist listens for membership
// gossip.
func WithGossipListen(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithDataListen specifies which UDP interface carries the QUIC data plane.
// A zero port picks any free one.
func WithDataListen(addr string, port int) Option {
	return func(c *config) error {
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertiseAddr overrides the IP other nodes use to reach both planes.
func WithAdvertiseAddr(addr string) Option {
	return func(c *config) error {
		c.advertise = addr
		c.mlCfg.AdvertiseAddr = addr
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithNodeName specifies which name should be exposed to other
// peers when joining the job. For a well-behaving job, the name
// MUST be unique. It defaults to `rank-<rank>`.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if !ValidateNodeName(name) {
			return fmt.Errorf("invalid node name %q", name)
		}
		c.mlCfg.Name = name
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Job.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// TODO(raskyld): Wait for the buildflag to always use the
		// hashicorp version so we don't need to do the translation.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the data plane. It is
// mandatory, and it is REALLY important that you use mTLS in production.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		if len(c.trCfg.TlsConfig.NextProtos) == 0 {
			c.trCfg.TlsConfig.NextProtos = []string{ALPN}
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Job`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for
// outbound streams to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithNeighbours controls which gossip addresses are tried initially to
// join the job.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithLaneDepth is passed down to the mesh node, see `mesh.WithLaneDepth`.
func WithLaneDepth(depth uint) Option {
	return func(c *config) error {
		c.laneDepth = depth
		return nil
	}
}
