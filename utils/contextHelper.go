package utils

import (
	"context"

	"github.com/mmdatafocus/wms_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyScope         = appctx.ContextKeyScope
	ContextKeyOperatorId    = appctx.ContextKeyOperatorId
	ContextKeyOperatorName  = appctx.ContextKeyOperatorName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId

	ContextKeyIsAdmin        = appctx.ContextKeyIsAdmin
	ContextKeySkipScopeGuard = appctx.ContextKeySkipScopeGuard
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetScopeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyScope)
}

func GetOperatorIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyOperatorId)
}

func GetOperatorNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOperatorName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetScopeInContext(ctx context.Context, scope string) context.Context {
	return appctx.Set(ctx, ContextKeyScope, scope)
}

func SetOperatorIdInContext(ctx context.Context, operatorId int) context.Context {
	return appctx.Set(ctx, ContextKeyOperatorId, operatorId)
}

func SetOperatorNameInContext(ctx context.Context, operatorName string) context.Context {
	return appctx.Set(ctx, ContextKeyOperatorName, operatorName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}

func GetSkipScopeGuardFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeySkipScopeGuard)
}

func SetSkipScopeGuardInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipScopeGuard, skip)
}
