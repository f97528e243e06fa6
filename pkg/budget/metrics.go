package budget

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	consumedCounter metric.Int64Counter
)

// recordConsumptionMetrics mirrors recorded usage onto the global OTel
// meter. Metrics are best-effort; instrument failures never affect
// accounting.
func recordConsumptionMetrics(u Usage) {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/Mindburn-Labs/keel/pkg/budget")
		c, err := meter.Int64Counter("keel.budget.consumed",
			metric.WithDescription("Resource units consumed by governed runs, per dimension"))
		if err == nil {
			consumedCounter = c
		}
	})
	if consumedCounter == nil {
		return
	}
	ctx := context.Background()
	for _, d := range Dimensions() {
		if d == DimWallClock {
			continue
		}
		if v := u.Value(d); v > 0 {
			consumedCounter.Add(ctx, v, metric.WithAttributes(attribute.String("dimension", string(d))))
		}
	}
}
