package middleware

import (
	"context"
	"fmt"
	"proof-rpc/bridgeerr"
	"proof-rpc/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panic anywhere below it into an error response,
// so no fault escapes the worker and kills the channel.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", zap.String("operation", req.Operation), zap.Any("panic", r))
					resp = &message.RPCMessage{
						Operation: req.Operation,
						Error:     bridgeerr.Engine(req.Operation, nil, "panic: %v", fmt.Sprint(r)).Error(),
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
