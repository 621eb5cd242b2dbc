// Package telemetry wraps OpenTelemetry spans for the protocol services.
//
// Without a configured provider the global tracer is a no-op, so services
// can always trace.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

const instrumentationName = "github.com/tendant/tenant-idp"

// Tracer returns the tracer for a component, e.g. "oidc" or "ciba".
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}

// Start starts a span with the tenant and client attributes set.
func Start(ctx context.Context, tracer trace.Tracer, name, tenantID, clientID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("idp.tenant_id", tenantID),
		attribute.String("idp.client_id", clientID),
	)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records the outcome on span and ends it. Protocol errors are tagged
// with their OAuth error code.
func End(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	if e := idperrors.OAuth(err); e != nil {
		span.SetAttributes(attribute.String("oauth.error", e.Code))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
