package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/odvcencio/conductor/pkg/session"

// Common attribute keys for session tracing.
var (
	AttrSessionID   = attribute.Key("conductor.session.id")
	AttrResumeToken = attribute.Key("conductor.session.resume_token")
	AttrIteration   = attribute.Key("conductor.session.iteration")
	AttrState       = attribute.Key("conductor.session.state")
	AttrToolName    = attribute.Key("conductor.tool.name")
	AttrToolOutcome = attribute.Key("conductor.tool.outcome")
)

// TracerProvider owns the span pipeline. The terminal belongs to the TUI,
// so spans are written as JSON lines to a file instead of stdout.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	out      io.Closer
}

// NewTracerProvider exports spans to path.
func NewTracerProvider(serviceName, version, path string) (*TracerProvider, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tp, err := newTracerProvider(serviceName, version, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	tp.out = f
	return tp, nil
}

func newTracerProvider(serviceName, version string, w io.Writer) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &TracerProvider{provider: provider}, nil
}

// Tracer returns the session tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	if tp == nil {
		return NoopTracer()
	}
	return tp.provider.Tracer(tracerName)
}

// Shutdown flushes pending spans and closes the output file.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	err := tp.provider.Shutdown(ctx)
	if tp.out != nil {
		if cerr := tp.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NoopTracer is used when tracing is disabled.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(tracerName)
}
