package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/wms_backend/models"
	"github.com/mmdatafocus/wms_backend/utils"
)

// ScopeMiddleware resolves the ledger scope for the request. Default is PROD;
// drill/rehearsal clients send x-ledger-scope: DRILL. Anything else is rejected
// so a typo can never leak rehearsal traffic into the production partition.
func ScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := strings.ToUpper(strings.TrimSpace(c.GetHeader("x-ledger-scope")))
		if scope == "" {
			scope = string(models.ScopeProd)
		}
		if scope != string(models.ScopeProd) && scope != string(models.ScopeDrill) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid x-ledger-scope"})
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(utils.SetScopeInContext(c.Request.Context(), scope))
		c.Next()
	}
}
