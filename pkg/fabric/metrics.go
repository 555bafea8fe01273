package fabric

import (
	"slices"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/cohort"
)

var (
	MetricFabricFrameInBytes         = []string{"cohort", "fabric", "frame", "in", "bytes"}
	MetricFabricFrameInErrorCount    = []string{"cohort", "fabric", "frame", "in", "error", "count"}
	MetricFabricFrameOutBytes        = []string{"cohort", "fabric", "frame", "out", "bytes"}
	MetricFabricFrameOutErrorCount   = []string{"cohort", "fabric", "frame", "out", "error", "count"}
	MetricFabricStreamEstInCount     = []string{"cohort", "fabric", "stream", "establishment", "in", "count"}
	MetricFabricStreamEstOutCount    = []string{"cohort", "fabric", "stream", "establishment", "out", "count"}
	MetricFabricStreamEstOutErrCount = []string{"cohort", "fabric", "stream", "establishment", "out", "error", "count"}
	MetricFabricConnEstCount         = []string{"cohort", "fabric", "connection", "established", "count"}
	MetricFabricUDPBufferSizeBytes   = []string{"cohort", "fabric", "udp", "buffer", "size", "bytes"}
	MetricFabricRosterSize           = []string{"cohort", "fabric", "roster", "size"}
	MetricFabricRosterConflictsCount = []string{"cohort", "fabric", "roster", "conflicts", "count"}
)

var (
	LabelPeerAddr cohort.TelemetryLabel = "peer_addr"
	LabelPeerName cohort.TelemetryLabel = "peer_name"
	LabelStreamID cohort.TelemetryLabel = "stream_id"
	LabelDuration cohort.TelemetryLabel = "duration"
)

// withLabels never writes into the backing array of base, which is shared
// between goroutines.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	return slices.Concat(base, extra)
}
