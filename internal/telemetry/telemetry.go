// Package telemetry ships anonymous usage events to PostHog and exports
// traces over OTLP. Every failure is swallowed: telemetry must never surface
// an error or block shutdown.
package telemetry

import (
	"context"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Set at build time for production.
var (
	PostHogAPIKey   = "phc_development_key"
	PostHogEndpoint = "https://eu.i.posthog.com"
)

const serviceName = "sudocode"

// Client records product events.
type Client interface {
	Track(event string, props map[string]any)
	Close()
}

// NoOpClient drops everything. Used when telemetry is disabled or the
// machine id is unavailable.
type NoOpClient struct{}

func (NoOpClient) Track(string, map[string]any) {}
func (NoOpClient) Close()                       {}

// silentLogger suppresses PostHog log output; timeouts are expected for
// best-effort telemetry.
type silentLogger struct{}

func (silentLogger) Logf(string, ...interface{})   {}
func (silentLogger) Debugf(string, ...interface{}) {}
func (silentLogger) Warnf(string, ...interface{})  {}
func (silentLogger) Errorf(string, ...interface{}) {}

// PostHogClient is the real sink.
type PostHogClient struct {
	client    posthog.Client
	machineID string
	mu        sync.RWMutex
}

// Options configure the sink.
type Options struct {
	Enabled  bool
	Endpoint string // PostHog endpoint override
	Version  string
}

// NewClient builds a telemetry client. SUDOCODE_TELEMETRY_OPTOUT always
// wins over configuration.
func NewClient(opts Options) Client {
	if os.Getenv("SUDOCODE_TELEMETRY_OPTOUT") != "" || !opts.Enabled {
		return NoOpClient{}
	}

	id, err := machineid.ProtectedID("sudocode")
	if err != nil {
		return NoOpClient{}
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = PostHogEndpoint
	}

	// Fast-timeout transport; a slow collector must not block operations.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 200 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   200 * time.Millisecond,
		ResponseHeaderTimeout: 200 * time.Millisecond,
	}

	props := posthog.NewProperties().
		Set("version", opts.Version).
		Set("os", runtime.GOOS).
		Set("arch", runtime.GOARCH)
	if sessionID := os.Getenv("SUDOCODE_SESSION_ID"); sessionID != "" {
		props.Set("session.id", sessionID)
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:               endpoint,
		ShutdownTimeout:        200 * time.Millisecond,
		BatchUploadTimeout:     500 * time.Millisecond,
		Transport:              transport,
		Logger:                 silentLogger{},
		DisableGeoIP:           posthog.Ptr(true),
		DefaultEventProperties: props,
	})
	if err != nil {
		return NoOpClient{}
	}
	return &PostHogClient{client: client, machineID: id}
}

// Track enqueues one event. Best effort.
func (p *PostHogClient) Track(event string, props map[string]any) {
	p.mu.RLock()
	c := p.client
	id := p.machineID
	p.mu.RUnlock()
	if c == nil {
		return
	}
	ph := posthog.NewProperties()
	for k, v := range props {
		ph.Set(k, v)
	}
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      event,
		Properties: ph,
	})
}

// Close flushes pending events within the shutdown timeout.
func (p *PostHogClient) Close() {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

var (
	traceOnce      sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// InitTracing sets the global tracer provider when an OTLP endpoint is
// configured. Without one the no-op provider stays in place.
func InitTracing(endpoint string) {
	traceOnce.Do(func() {
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			return
		}
		ctx := context.Background()
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpointHost(endpoint)),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return
		}
		attrs := []attribute.KeyValue{
			attribute.String("service.name", serviceName),
		}
		if sessionID := os.Getenv("SUDOCODE_SESSION_ID"); sessionID != "" {
			attrs = append(attrs, attribute.String("session.id", sessionID))
		}
		res, err := resource.New(ctx, resource.WithAttributes(attrs...))
		if err != nil {
			res = resource.Default()
		}
		sdkProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		tracerProvider = sdkProvider
		otel.SetTracerProvider(tracerProvider)
	})
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	return tracerProvider.Tracer(name)
}

// ShutdownTracing flushes pending spans. Bounded by the caller's context.
func ShutdownTracing(ctx context.Context) {
	if sdkProvider != nil {
		_ = sdkProvider.Shutdown(ctx)
	}
}

// endpointHost strips the scheme for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(endpoint) > len(prefix) && endpoint[:len(prefix)] == prefix {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}
