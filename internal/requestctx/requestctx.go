package requestctx

import "context"

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	actorKey     ctxKey = "actor"
)

const (
	RoleSystem    = "system"
	RoleAdmin     = "admin"
	RoleHRManager = "hr_manager"
	RoleTreasury  = "treasury"
	RoleAuditor   = "auditor"
	RoleEmployee  = "employee"
)

type Actor struct {
	ID   string
	Role string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	if value, ok := ctx.Value(requestIDKey).(string); ok {
		return value
	}
	return ""
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor returns the caller recorded on the context. Background work with no
// caller is attributed to the system role.
func GetActor(ctx context.Context) Actor {
	if value, ok := ctx.Value(actorKey).(Actor); ok && value.Role != "" {
		return value
	}
	return Actor{Role: RoleSystem}
}
