package middleware

import (
	"context"
	"proof-rpc/bridgeerr"
	"proof-rpc/message"
	"time"
)

// TimeOutMiddleware bounds a request's handling time. The handler keeps running
// with a cancelled context; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case rpcMessage := <-done:
				return rpcMessage
			case <-ctx.Done():
				return &message.RPCMessage{
					Operation: req.Operation,
					Error:     bridgeerr.Timeout(req.Operation, "request timed out").Error(),
				}
			}
		}
	}
}
