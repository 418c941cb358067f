package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS 返回跨域中间件。dev 环境放行所有来源；其他环境只放行
// 配置的来源列表（逗号分隔），列表为空时退化为同源。
func CORS(env, allowed string) gin.HandlerFunc {
	allowList := strings.Split(allowed, ",")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		switch {
		case env == "dev":
			c.Header("Access-Control-Allow-Origin", origin)
		case originAllowed(origin, allowList):
			c.Header("Access-Control-Allow-Origin", origin)
		default:
			if strings.Contains(origin, c.Request.Host) {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin string, allowList []string) bool {
	for _, a := range allowList {
		if a != "" && strings.TrimSpace(a) == origin {
			return true
		}
	}
	return false
}
