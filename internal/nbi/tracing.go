package nbi

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/handover-simulator/core"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
	"github.com/signalsfoundry/handover-simulator/model"
)

const tracerName = "github.com/signalsfoundry/handover-simulator/internal/nbi"

// Span attribute keys shared by the RPC span and the per-device spans.
const (
	attrDeviceID       = attribute.Key("handover.device.id")
	attrDeviceKind     = attribute.Key("handover.device.kind")
	attrStationID      = attribute.Key("handover.station.id")
	attrPrevStation    = attribute.Key("handover.station.previous")
	attrSelectedSignal = attribute.Key("handover.signal.selected")
	attrAttempted      = attribute.Key("handover.attempted")
	attrSwitched       = attribute.Key("handover.switched")
	attrCandidates     = attribute.Key("handover.candidates")
)

// TracingUnaryServerInterceptor names the RPC span after the NetworkService
// method and tags it with the device and station the request targets. A
// server span is started when the otelgrpc stats handler is absent.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		span := trace.SpanFromContext(ctx)
		owned := !span.SpanContext().IsValid()
		if owned {
			ctx, span = tracer.Start(ctx, "handover/"+method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
		} else {
			span.SetName("handover/" + method)
		}

		span.SetAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
		)
		span.SetAttributes(requestAttributes(req)...)
		if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
			span.SetAttributes(attribute.String("request_id", reqID))
		}

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status.Code(err).String())
		}
		return resp, err
	}
}

// requestAttributes lifts device_id and station_id out of a Struct request.
func requestAttributes(req interface{}) []attribute.KeyValue {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return nil
	}
	var attrs []attribute.KeyValue
	if id := s.GetFields()["device_id"].GetStringValue(); id != "" {
		attrs = append(attrs, attrDeviceID.String(id))
	}
	if id := s.GetFields()["station_id"].GetStringValue(); id != "" {
		attrs = append(attrs, attrStationID.String(id))
	}
	return attrs
}

// startDeviceSpan starts a span for an operation on deviceID. kind and
// stationID are recorded only when known.
func startDeviceSpan(ctx context.Context, name, deviceID string, kind model.DeviceKind, stationID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attrDeviceID.String(deviceID)}
	if kind != model.KindUnknown {
		attrs = append(attrs, attrDeviceKind.String(kind.String()))
	}
	if stationID != "" {
		attrs = append(attrs, attrStationID.String(stationID))
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// annotateHandover records a handover evaluation on span. A failed switch
// marks the span as an error.
func annotateHandover(span trace.Span, res core.HandoverResult) {
	span.SetAttributes(
		attrPrevStation.String(res.PreviousStationID),
		attrStationID.String(res.StationID),
		attrSelectedSignal.Float64(res.SelectedSignal),
		attrAttempted.Bool(res.Attempted),
		attrSwitched.Bool(res.Switched),
		attrCandidates.Int(len(res.Candidates)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, fmt.Sprintf("handover to %s failed", res.SelectedStationID))
	}
}
