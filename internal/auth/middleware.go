package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const basicRealm = `Basic realm="preview-worker"`

// BasicAuth は HTTP Basic 認証を検証するミドルウェアを返します。
// 同じクライアントから失敗が続いた場合は一定時間ロックします。
func (m *Manager) BasicAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		client := c.ClientIP()
		if retryAfter := m.checkLock(client); retryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", basicRealm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "認証が必要です",
			})
			return
		}

		if !m.verify(username, password) {
			remaining := m.recordFailure(client)
			c.Header("WWW-Authenticate", basicRealm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":              "INVALID_CREDENTIALS",
				"message":           "ユーザー名またはパスワードが正しくありません",
				"remainingAttempts": remaining,
			})
			return
		}

		m.resetAttempts(client)
		c.Set(ContextUserKey, username)
		c.Next()
	}
}
