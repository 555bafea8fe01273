package fabric

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/cohort"
)

// gossip advertises the local rank through memberlist node metadata and
// builds the roster out of what the other members advertise.
type gossip struct {
	logger       *slog.Logger
	meta         []byte
	size         int
	roster       *roster
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

func (g *gossip) NodeMeta(limit int) []byte {
	if len(g.meta) > limit {
		g.logger.Error("node metadata exceeds the gossip limit", "limit", limit, "len", len(g.meta))
		return nil
	}
	return g.meta
}

func (g *gossip) NotifyMsg([]byte)                           {}
func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *gossip) LocalState(join bool) []byte                { return nil }
func (g *gossip) MergeRemoteState(buf []byte, join bool)     {}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	if g.observe(node) {
		withLogNode(g.logger, node).Info("peer joined job")
	}
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	logger := withLogNode(g.logger, node)
	if p, ok := g.roster.forget(node.Name); ok {
		logger.Info("peer left job", cohort.LabelRank.L(p.Rank))
	} else {
		logger.Debug("unknown peer left")
	}
	g.msink.SetGaugeWithLabels(MetricFabricRosterSize, float32(g.roster.len()), g.metricLabels)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	if g.observe(node) {
		withLogNode(g.logger, node).Debug("peer updated")
	}
}

func (g *gossip) observe(node *memberlist.Node) bool {
	logger := withLogNode(g.logger, node)
	m, err := decodeMeta(node.Meta)
	if err != nil {
		logger.Warn("ignoring peer with unusable metadata", cohort.LabelError.L(err))
		return false
	}
	if m.size != g.size {
		logger.Warn(
			"ignoring peer of another job",
			cohort.LabelSize.L(m.size),
			"local_size", g.size,
		)
		return false
	}

	if err := g.roster.claim(Peer{Rank: m.rank, Name: node.Name, DataAddr: m.dataAddr}); err != nil {
		g.msink.IncrCounterWithLabels(MetricFabricRosterConflictsCount, 1.0, g.metricLabels)
		logger.Error("could not add peer to the roster", cohort.LabelError.L(err))
		return false
	}
	g.msink.SetGaugeWithLabels(MetricFabricRosterSize, float32(g.roster.len()), g.metricLabels)
	return true
}
