// Package session carries the identity of the user a request is made on
// behalf of. Authentication itself happens upstream of this service.
package session

import "context"

type contextKey int

const emailKey contextKey = iota

// WithEmail returns a copy of ctx carrying the user's email.
func WithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailKey, email)
}

// Email returns the user's email from ctx, or "" if there is none.
func Email(ctx context.Context) string {
	if v, ok := ctx.Value(emailKey).(string); ok {
		return v
	}
	return ""
}
