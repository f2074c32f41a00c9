package middleware

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated account.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the account Signature authenticated for the request.
func Caller(ctx context.Context) (common.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(common.Address)
	return c, ok
}
