package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ContextDeviceIDKey = "deviceID"

	// DeviceIDHeader optionally names the calling device. When sent it must
	// match the subject of the token.
	DeviceIDHeader = "X-Device-ID"

	bearerChallenge = `Bearer realm="caresync"`
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// AuthMiddleware admits requests carrying a device token signed with the
// shared secret and records the device in the request context.
func AuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, problem := bearerToken(c.GetHeader("Authorization"))
		if problem != "" {
			unauthorized(c, problem)
			return
		}

		deviceID, err := tokens.ValidateToken(token)
		if err != nil {
			unauthorized(c, "invalid or expired token")
			return
		}

		if claimed := c.GetHeader(DeviceIDHeader); claimed != "" && claimed != deviceID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token was issued to another device"})
			return
		}

		c.Set(ContextDeviceIDKey, deviceID)
		c.Next()
	}
}

// bearerToken returns the credentials of an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "authorization header required"
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", "invalid authorization header format"
	}
	return token, ""
}

func unauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", bearerChallenge)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func GetDeviceID(c *gin.Context) (string, bool) {
	id := c.GetString(ContextDeviceIDKey)
	return id, id != ""
}
