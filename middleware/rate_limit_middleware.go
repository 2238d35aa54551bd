package middleware

import (
	"context"
	"proof-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件.
// ping is exempt so a busy worker still answers the handshake probe.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if req.Operation != message.OpPing && !limiter.Allow() {
				return &message.RPCMessage{
					Operation: req.Operation,
					Error:     "rate limit exceeded",
				}
			}
			return next(ctx, req)
		}
	}
}
