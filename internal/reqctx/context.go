package reqctx

import (
	"context"
	"errors"
)

// Key for request-scoped values in context
type contextKey string

const (
	requestIDKey  contextKey = "requestID"
	deliveryIDKey contextKey = "deliveryID"
	leadIDKey     contextKey = "leadID"
)

// ErrNoRequestIDInContext is returned when no request ID is found in context
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// ErrNoDeliveryIDInContext is returned when no delivery ID is found in context
var ErrNoDeliveryIDInContext = errors.New("no delivery ID found in context")

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from the context
func RequestIDFromContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// WithDeliveryID adds the upstream webhook delivery ID to the context
func WithDeliveryID(ctx context.Context, deliveryID string) context.Context {
	return context.WithValue(ctx, deliveryIDKey, deliveryID)
}

// DeliveryIDFromContext extracts the webhook delivery ID from the context
func DeliveryIDFromContext(ctx context.Context) (string, error) {
	deliveryID, ok := ctx.Value(deliveryIDKey).(string)
	if !ok || deliveryID == "" {
		return "", ErrNoDeliveryIDInContext
	}
	return deliveryID, nil
}

// WithLeadID adds the lead ID being processed to the context
func WithLeadID(ctx context.Context, leadID string) context.Context {
	return context.WithValue(ctx, leadIDKey, leadID)
}

// LeadIDFromContext extracts the lead ID from the context, or "" when absent
func LeadIDFromContext(ctx context.Context) string {
	leadID, _ := ctx.Value(leadIDKey).(string)
	return leadID
}
