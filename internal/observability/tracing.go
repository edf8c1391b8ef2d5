package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

// Span attribute keys shared by the coordinator, its transports and the node
// daemon.
const (
	KeyNodeID    = attribute.Key("node.id")
	KeyTaskID    = attribute.Key("task.id")
	KeyTaskType  = attribute.Key("task.type")
	KeyCaller    = attribute.Key("ias.caller")
	KeyRequester = attribute.Key("ias.requester")
	KeyOp        = attribute.Key("ias.op")
	KeyAt        = attribute.Key("ias.at")
)

func NodeID(id string) attribute.KeyValue { return KeyNodeID.String(id) }
func TaskID(id uint64) attribute.KeyValue { return KeyTaskID.Int64(int64(id)) }
func TaskType(t string) attribute.KeyValue { return KeyTaskType.String(t) }
func Caller(id string) attribute.KeyValue { return KeyCaller.String(id) }
func Requester(id string) attribute.KeyValue { return KeyRequester.String(id) }

// TracingConfig selects the span exporter. Exporter is one of none, stdout,
// otlpgrpc or otlphttp.
type TracingConfig struct {
	Exporter    string
	Endpoint    string
	Headers     map[string]string
	Insecure    bool
	Sampler     string
	Ratio       float64
	Environment string
}

// TracingConfigFromEnv reads IAS_OTEL_EXPORTER, IAS_OTEL_ENDPOINT,
// IAS_OTEL_HEADERS (k=v,k=v), IAS_OTEL_INSECURE, IAS_OTEL_SAMPLER,
// IAS_OTEL_SAMPLER_RATIO and IAS_ENVIRONMENT.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Exporter:    strings.ToLower(strings.TrimSpace(os.Getenv("IAS_OTEL_EXPORTER"))),
		Endpoint:    strings.TrimSpace(os.Getenv("IAS_OTEL_ENDPOINT")),
		Headers:     map[string]string{},
		Insecure:    true,
		Sampler:     strings.ToLower(strings.TrimSpace(os.Getenv("IAS_OTEL_SAMPLER"))),
		Ratio:       1,
		Environment: strings.TrimSpace(os.Getenv("IAS_ENVIRONMENT")),
	}
	for _, pair := range strings.Split(os.Getenv("IAS_OTEL_HEADERS"), ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			cfg.Headers[k] = v
		}
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("IAS_OTEL_INSECURE"))); err == nil {
		cfg.Insecure = b
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("IAS_OTEL_SAMPLER_RATIO")), 64); err == nil {
		cfg.Ratio = min(max(f, 0), 1)
	}
	return cfg
}

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// InitTracingFromEnv installs the global tracer provider once per process.
// The returned function flushes and stops it.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		shutdownFn, initErr = InitTracing(context.Background(), service, TracingConfigFromEnv())
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func InitTracing(ctx context.Context, service string, cfg TracingConfig) (func(context.Context) error, error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("trace exporter %s: %w", cfg.Exporter, err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(service),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("github.com/salazarsebas/iasppt").Start(ctx, name, trace.WithAttributes(attrs...))
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "otlpgrpc", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(orDefault(cfg.Endpoint, "localhost:4317"))}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlphttp", "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(orDefault(cfg.Endpoint, "http://localhost:4318"))}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}

func (c TracingConfig) sampler() sdktrace.Sampler {
	switch c.Sampler {
	case "always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "traceidratio", "ratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.Ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
