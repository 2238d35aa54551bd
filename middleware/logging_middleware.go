package middleware

import (
	"context"
	"proof-rpc/message"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every dispatched operation with its duration.
// Dispatch-level errors are logged at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("operation", req.Operation),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("request handled", fields...)
			return resp
		}
	}
}
