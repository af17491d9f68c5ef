package bridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/eddielth/vss-twin-bridge/bridge")

const (
	// kindAttr tells initial tree sync updates ("sync") apart from live
	// updates ("delta").
	kindAttr = "kind"

	kindSync  = "sync"
	kindDelta = "delta"
)

var (
	// updatesSent counts twin property commands handed to the transport.
	updatesSent metric.Int64Counter
	// updatesFailed counts twin property commands the transport rejected.
	updatesFailed metric.Int64Counter
	// batchesDiscarded counts tree or delta payloads dropped as malformed.
	batchesDiscarded metric.Int64Counter
	// syncDuration measures a full tree sync, from feature declaration to
	// the last property command.
	syncDuration metric.Float64Histogram
)

func init() {
	var err error
	updatesSent, err = meter.Int64Counter(
		"twin.updates.sent",
		metric.WithDescription("The number of twin property update commands sent."),
	)
	if err != nil {
		panic("bridge: failed to init 'twin.updates.sent' instrument")
	}

	updatesFailed, err = meter.Int64Counter(
		"twin.updates.failed",
		metric.WithDescription("The number of twin property update commands that could not be sent."),
	)
	if err != nil {
		panic("bridge: failed to init 'twin.updates.failed' instrument")
	}

	batchesDiscarded, err = meter.Int64Counter(
		"vss.batches.discarded",
		metric.WithDescription("The number of malformed signal payloads discarded."),
	)
	if err != nil {
		panic("bridge: failed to init 'vss.batches.discarded' instrument")
	}

	syncDuration, err = meter.Float64Histogram(
		"twin.sync.duration",
		metric.WithDescription("The duration of a full signal tree sync."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("bridge: failed to init 'twin.sync.duration' instrument")
	}
}

func kindOption(kind string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(kindAttr, kind))
}

func measureSync(ctx context.Context, start time.Time) {
	syncDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
}
