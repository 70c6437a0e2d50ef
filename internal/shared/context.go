package shared

import "context"

type sessionContextKey struct{}

// ContextWithSession returns a child context carrying the session. The
// session middleware attaches it once per request; handlers read it back
// with SessionFromContext.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the session stored in ctx, or nil when the
// request was not authenticated.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// RequireUser returns the session user id, or ErrUnauthenticated when the
// request carries no session.
func RequireUser(ctx context.Context) (string, error) {
	if user := SessionFromContext(ctx).User(); user != "" {
		return user, nil
	}
	return "", ErrUnauthenticated
}
