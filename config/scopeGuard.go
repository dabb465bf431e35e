package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/wms_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScopeGuardPlugin enforces the PROD/DRILL ledger partition by automatically
// scoping queries/updates/deletes to the request's scope when the model has a
// scope column. Drill (rehearsal) traffic can never read or mutate production
// quantities through gorm this way.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include scope manually.
// - Admin/internal bypass is explicit via context flags.
type ScopeGuardPlugin struct{}

func NewScopeGuardPlugin() *ScopeGuardPlugin { return &ScopeGuardPlugin{} }

func (p *ScopeGuardPlugin) Name() string { return "scope_guard" }

func (p *ScopeGuardPlugin) Initialize(db *gorm.DB) error {
	// Query
	if err := db.Callback().Query().Before("gorm:query").Register("scope_guard:query", scopeGuardCallback); err != nil {
		return err
	}
	// Row (First/Take)
	if err := db.Callback().Row().Before("gorm:row").Register("scope_guard:row", scopeGuardCallback); err != nil {
		return err
	}
	// Update
	if err := db.Callback().Update().Before("gorm:update").Register("scope_guard:update", scopeGuardCallback); err != nil {
		return err
	}
	// Delete
	if err := db.Callback().Delete().Before("gorm:delete").Register("scope_guard:delete", scopeGuardCallback); err != nil {
		return err
	}
	return nil
}

func scopeGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassScopeGuard(ctx) {
		return
	}
	scope := scopeFromContext(ctx)
	if scope == "" {
		return
	}

	// Only apply if the current model/table includes a scope column.
	if db.Statement.Schema == nil {
		return
	}
	hasScope := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "scope") {
			hasScope = true
			break
		}
	}
	if !hasScope {
		return
	}

	// Don't duplicate an explicit scope filter.
	if whereHasScope(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "scope"},
				Value:  scope,
			},
		},
	})
}

func scopeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyScope).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassScopeGuard(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipScopeGuard).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyIsAdmin).(bool); ok && v {
		return true
	}
	return false
}

func whereHasScope(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasScope(e) {
			return true
		}
	}
	return false
}

func exprHasScope(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsScope(v.Column)
	case clause.Neq:
		return colIsScope(v.Column)
	case clause.IN:
		return colIsScope(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasScope(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasScope(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "scope")
	default:
		return false
	}
}

func colIsScope(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "scope")
	case clause.Column:
		return strings.EqualFold(c.Name, "scope")
	default:
		return false
	}
}
