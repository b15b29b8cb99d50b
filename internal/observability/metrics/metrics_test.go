package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "suno"),
		attribute.String("request_id", "456"),
		attribute.String("user_id", "789"),
		attribute.String("outcome", "ok"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "request_id" || attr.Key == "user_id" {
			t.Fatalf("unexpected attribute %s retained", attr.Key)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRefund(context.Background(), "provider_terminal")
	m.RecordProviderCall(context.Background(), "music", "submit", "ok")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "songforge"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordRequestCreated(context.Background(), "credits", "success")
	m.RecordSongFinalized(context.Background(), "stored")
}
