package cohort

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricGroupOpCount      = []string{"cohort", "group", "op", "count"}
	MetricGroupOpErrorCount = []string{"cohort", "group", "op", "error", "count"}
	MetricGroupOpBytes      = []string{"cohort", "group", "op", "bytes"}
	MetricGroupOpLatency    = []string{"cohort", "group", "op", "latency"}
	MetricGroupCreated      = []string{"cohort", "group", "created", "count"}
	MetricGroupReleased     = []string{"cohort", "group", "released", "count"}
	MetricPrintTruncated    = []string{"cohort", "print", "truncated", "count"}
)

// TelemetryLabel names an attribute shared by logs and metrics.
type TelemetryLabel string

var (
	LabelOp     TelemetryLabel = "op"
	LabelCode   TelemetryLabel = "code"
	LabelRank   TelemetryLabel = "rank"
	LabelSize   TelemetryLabel = "size"
	LabelMaster TelemetryLabel = "master"
	LabelPeer   TelemetryLabel = "peer"
	LabelPath   TelemetryLabel = "path"
	LabelDomain TelemetryLabel = "domain"
	LabelError  TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
