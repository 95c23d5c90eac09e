package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireOpsToken 回传接口仅供运维 / SAP 侧调用。
func RequireOpsToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Ops-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid ops token"})
			return
		}
		c.Next()
	}
}
