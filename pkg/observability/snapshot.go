package observability

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MetricPoint is one collected data point. Histograms report their sum in
// Value and the number of observations in Count.
type MetricPoint struct {
	Name       string            `json:"name"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// Collect reads the current state of every instrument from reader, sorted
// by name and attributes.
func Collect(ctx context.Context, reader sdkmetric.Reader) ([]MetricPoint, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collecting metrics: %w", err)
	}

	var points []MetricPoint
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			add := func(attrs attribute.Set, value float64, count uint64) {
				points = append(points, MetricPoint{
					Name:       m.Name,
					Unit:       m.Unit,
					Attributes: attributeMap(attrs),
					Value:      value,
					Count:      count,
				})
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					add(dp.Attributes, float64(dp.Value), 0)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					add(dp.Attributes, dp.Value, 0)
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					add(dp.Attributes, float64(dp.Value), 0)
				}
			case metricdata.Gauge[float64]:
				for _, dp := range data.DataPoints {
					add(dp.Attributes, dp.Value, 0)
				}
			case metricdata.Histogram[int64]:
				for _, dp := range data.DataPoints {
					add(dp.Attributes, float64(dp.Sum), dp.Count)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					add(dp.Attributes, dp.Sum, dp.Count)
				}
			}
		}
	}

	slices.SortStableFunc(points, func(a, b MetricPoint) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(fmt.Sprint(a.Attributes), fmt.Sprint(b.Attributes))
	})
	return points, nil
}

func attributeMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
