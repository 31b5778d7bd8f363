// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ragflow-go/pkg/token"
)

// 上下文键，供后续处理函数读取。
const (
	ContextTenantID = "tenant_id"
	ContextClaims   = "claims"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它从请求头中提取 token，验证有效性，并把租户标识存入 Gin 的上下文。
// 令牌签发属于外部系统，这里只做验证与租户提取。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		c.Set(ContextTenantID, claims.TenantID)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// TenantID 从 Gin 上下文中取出当前请求的租户标识。
func TenantID(c *gin.Context) string {
	return c.GetString(ContextTenantID)
}
