package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	admissions        metric.Int64Counter
	eventsRecorded    metric.Int64Counter
	partitionsCreated metric.Int64Counter
	notifications     metric.Int64Counter
	migrationObjects  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterd"
	}
	meter := provider.Meter(name)

	admissions, err := meter.Int64Counter("meterd_admissions_total")
	if err != nil {
		return nil, err
	}
	eventsRecorded, err := meter.Int64Counter("meterd_events_recorded_total")
	if err != nil {
		return nil, err
	}
	partitionsCreated, err := meter.Int64Counter("meterd_partitions_created_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("meterd_threshold_notifications_total")
	if err != nil {
		return nil, err
	}
	migrationObjects, err := meter.Int64Counter("meterd_migration_objects_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		admissions:        admissions,
		eventsRecorded:    eventsRecorded,
		partitionsCreated: partitionsCreated,
		notifications:     notifications,
		migrationObjects:  migrationObjects,
	}, nil
}

// RecordAdmission counts one admission decision by outcome.
func (m *Metrics) RecordAdmission(ctx context.Context, metricType string, admitted bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if admitted {
		decision = "admitted"
	}
	attrs := FilterAttributes(
		attribute.String("metric_type", strings.TrimSpace(metricType)),
		attribute.String("decision", decision),
	)
	m.admissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEvent counts one stored telemetry event.
func (m *Metrics) RecordEvent(ctx context.Context, table string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("table", strings.TrimSpace(table)))
	m.eventsRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPartitionCreated counts one physical partition creation.
func (m *Metrics) RecordPartitionCreated(ctx context.Context, table string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("table", strings.TrimSpace(table)))
	m.partitionsCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordThresholdNotification counts one created threshold notification.
func (m *Metrics) RecordThresholdNotification(ctx context.Context, metricType string, threshold int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("metric_type", strings.TrimSpace(metricType)),
		attribute.Int("threshold", threshold),
	)
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMigrationObject counts one vector migration unit of work by outcome.
func (m *Metrics) RecordMigrationObject(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.migrationObjects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"metric_type": {},
	"decision":    {},
	"table":       {},
	"threshold":   {},
	"status":      {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
