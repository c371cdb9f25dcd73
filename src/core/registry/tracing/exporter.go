package tracing

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	tracecollectorv1 "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"agentmesh/src/core/logger"
)

// OTLPExporter ships terminal trace events to an OTLP collector.
//
// Over gRPC it bypasses the SDK span pipeline and sends protobuf directly,
// preserving the trace and span ids minted by the agent runtimes so the
// collector reassembles cross-agent traces. Over HTTP the SDK exporter is
// used and spans are re-created with explicit timestamps; original ids ride
// along as attributes.
type OTLPExporter struct {
	endpoint string
	protocol string
	logger   *logger.Logger

	directConn   *grpc.ClientConn
	directClient tracecollectorv1.TraceServiceClient

	sdkExporter     sdktrace.SpanExporter
	mu              sync.Mutex
	tracerProviders map[string]*sdktrace.TracerProvider
}

// NewOTLPExporter dials the collector. protocol is "grpc" or "http".
func NewOTLPExporter(endpoint, protocol string, log *logger.Logger) (*OTLPExporter, error) {
	oe := &OTLPExporter{
		endpoint:        endpoint,
		protocol:        protocol,
		logger:          log,
		tracerProviders: make(map[string]*sdktrace.TracerProvider),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch protocol {
	case "http":
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
		oe.sdkExporter = exporter

	case "grpc":
		conn, err := grpc.Dial(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to dial OTLP gRPC endpoint: %w", err)
		}
		oe.directConn = conn
		oe.directClient = tracecollectorv1.NewTraceServiceClient(conn)

		// Also keep an SDK exporter over the same endpoint for registry
		// self-instrumentation spans, which have no pre-minted ids.
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
		oe.sdkExporter = exporter

	default:
		return nil, fmt.Errorf("unsupported telemetry protocol %q (want grpc or http)", protocol)
	}

	log.Info("OTLP exporter connected (endpoint: %s, protocol: %s)", endpoint, protocol)
	return oe, nil
}

// ExportEvent sends one terminal trace event as an OTLP span.
func (oe *OTLPExporter) ExportEvent(ctx context.Context, event *TraceEvent) error {
	if oe.directClient != nil {
		return oe.exportDirect(ctx, event)
	}
	return oe.exportViaSDK(ctx, event)
}

// Shutdown flushes and closes both export paths.
func (oe *OTLPExporter) Shutdown(ctx context.Context) error {
	oe.mu.Lock()
	providers := oe.tracerProviders
	oe.tracerProviders = make(map[string]*sdktrace.TracerProvider)
	oe.mu.Unlock()

	var firstErr error
	for _, tp := range providers {
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if oe.sdkExporter != nil {
		if err := oe.sdkExporter.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if oe.directConn != nil {
		if err := oe.directConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// exportDirect builds the protobuf request by hand so the runtime-minted
// trace and span ids survive intact.
func (oe *OTLPExporter) exportDirect(ctx context.Context, event *TraceEvent) error {
	traceID, err := hex.DecodeString(event.TraceID)
	if err != nil || len(traceID) != 16 {
		return fmt.Errorf("invalid trace id %q", event.TraceID)
	}
	spanID, err := hex.DecodeString(event.SpanID)
	if err != nil || len(spanID) != 8 {
		return fmt.Errorf("invalid span id %q", event.SpanID)
	}

	var parentSpanID []byte
	if event.ParentSpan != nil {
		if decoded, err := hex.DecodeString(*event.ParentSpan); err == nil && len(decoded) == 8 {
			parentSpanID = decoded
		}
	}

	start, end := eventInterval(event)

	spanKind := tracepb.Span_SPAN_KIND_SERVER
	if event.ParentSpan != nil {
		spanKind = tracepb.Span_SPAN_KIND_INTERNAL
	}

	span := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		ParentSpanId:      parentSpanID,
		Name:              event.Operation,
		Kind:              spanKind,
		StartTimeUnixNano: uint64(start.UnixNano()),
		EndTimeUnixNano:   uint64(end.UnixNano()),
		Attributes:        eventAttributesPB(event),
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
	}
	if event.Failed() {
		span.Status.Code = tracepb.Status_STATUS_CODE_ERROR
		if event.ErrorMessage != nil {
			span.Status.Message = *event.ErrorMessage
		}
	}

	req := &tracecollectorv1.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{
					stringKV("service.name", event.AgentName),
					stringKV("service.instance.id", event.AgentID),
					stringKV("telemetry.sdk.language", event.Runtime),
				},
			},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "agentmesh"},
				Spans: []*tracepb.Span{span},
			}},
		}},
	}

	exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := oe.directClient.Export(exportCtx, req); err != nil {
		return fmt.Errorf("OTLP export failed: %w", err)
	}
	return nil
}

// exportViaSDK re-creates the span through a per-agent tracer provider so
// service.name groups spans by agent in the collector.
func (oe *OTLPExporter) exportViaSDK(ctx context.Context, event *TraceEvent) error {
	tp, err := oe.providerFor(event.AgentName, event.AgentID)
	if err != nil {
		return err
	}

	start, end := eventInterval(event)
	tracer := tp.Tracer("agentmesh")

	attrs := []attribute.KeyValue{
		attribute.String("mesh.trace_id", event.TraceID),
		attribute.String("mesh.span_id", event.SpanID),
		attribute.String("mesh.agent_id", event.AgentID),
	}
	if event.ParentSpan != nil {
		attrs = append(attrs, attribute.String("mesh.parent_span", *event.ParentSpan))
	}
	if event.Capability != nil {
		attrs = append(attrs, attribute.String("mesh.capability", *event.Capability))
	}
	if event.TargetAgent != nil {
		attrs = append(attrs, attribute.String("mesh.target_agent", *event.TargetAgent))
	}

	_, span := tracer.Start(ctx, event.Operation,
		oteltrace.WithTimestamp(start),
		oteltrace.WithAttributes(attrs...),
	)
	if event.Failed() {
		message := "operation failed"
		if event.ErrorMessage != nil {
			message = *event.ErrorMessage
		}
		span.SetStatus(codes.Error, message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(oteltrace.WithTimestamp(end))
	return nil
}

func (oe *OTLPExporter) providerFor(agentName, agentID string) (*sdktrace.TracerProvider, error) {
	oe.mu.Lock()
	defer oe.mu.Unlock()

	if tp, ok := oe.tracerProviders[agentName]; ok {
		return tp, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(agentName),
			semconv.ServiceInstanceIDKey.String(agentID),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(oe.sdkExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	oe.tracerProviders[agentName] = tp
	return tp, nil
}

// eventInterval derives the span's start and end from the event timestamp
// and duration. Terminal events are stamped at span end.
func eventInterval(event *TraceEvent) (time.Time, time.Time) {
	end := time.Unix(0, int64(event.Timestamp*float64(time.Second)))
	if end.IsZero() || event.Timestamp == 0 {
		end = time.Now().UTC()
	}
	start := end
	if event.DurationMS != nil {
		start = end.Add(-time.Duration(*event.DurationMS) * time.Millisecond)
	}
	return start, end
}

func eventAttributesPB(event *TraceEvent) []*commonpb.KeyValue {
	attrs := []*commonpb.KeyValue{
		stringKV("mesh.agent_id", event.AgentID),
		stringKV("mesh.operation", event.Operation),
	}
	if event.IPAddress != "" {
		attrs = append(attrs, stringKV("mesh.agent_ip", event.IPAddress))
	}
	if event.Capability != nil {
		attrs = append(attrs, stringKV("mesh.capability", *event.Capability))
	}
	if event.TargetAgent != nil {
		attrs = append(attrs, stringKV("mesh.target_agent", *event.TargetAgent))
	}
	if event.DurationMS != nil {
		attrs = append(attrs, &commonpb.KeyValue{
			Key:   "mesh.duration_ms",
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: *event.DurationMS}},
		})
	}
	return attrs
}

func stringKV(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}
