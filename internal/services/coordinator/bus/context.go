package bus

import "context"

type syncDeliveryKey struct{}

// WithSyncDelivery asks in-process backends to run subscribers before
// Publish returns. Broker backends ignore it.
func WithSyncDelivery(ctx context.Context) context.Context {
	return context.WithValue(ctx, syncDeliveryKey{}, true)
}

// SyncDelivery reports whether ctx requests synchronous delivery.
func SyncDelivery(ctx context.Context) bool {
	v, _ := ctx.Value(syncDeliveryKey{}).(bool)
	return v
}
