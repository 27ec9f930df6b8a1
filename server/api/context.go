package api

import "context"

type contextKey int

const ctxKeySubject contextKey = 0

// ContextWithSubject stores the authenticated subject on the context.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// SubjectFromContext returns the authenticated subject, or "" when absent.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ctxKeySubject).(string)
	return subject
}
