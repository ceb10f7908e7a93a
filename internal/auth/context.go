package auth

import "context"

type contextKey string

const deviceIDKey contextKey = "deviceID"

func withDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceIDKey, id)
}

// DeviceIDFromContext returns the paired device id a request's bearer
// token resolved to, set by Manager.Middleware.
func DeviceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDKey).(string)
	return id, ok
}
