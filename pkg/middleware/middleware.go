package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/paysync-api/internal/auth"
	"github.com/ksred/paysync-api/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)  // 10 requests per minute
	adminLimit   = rate.Limit(300.0 / 60.0) // 300 requests per minute
	webhookLimit = rate.Limit(100)          // provider bursts on redelivery
	webhookBurst = 200
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientIP string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientIP + ":" + path
	v, exists := visitors[key]

	if !exists {
		limit, burst := rate.Inf, 1
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/admin"):
			limit, burst = adminLimit, 10
		case strings.HasPrefix(path, "/api/v1/webhooks"):
			limit, burst = webhookLimit, webhookBurst
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for ip, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, ip)
			}
		}
		mu.Unlock()
	}
}

// RateLimit limits requests per caller and route. A limited webhook delivery
// gets a non-2xx answer, so the provider retries it later. Behind AdminAuth
// the caller is the admin; elsewhere it is the client IP.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString(auth.AdminIDKey)
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// AdminAuth requires a bearer token issued by the auth service and stores the
// admin id in the context.
func AdminAuth(service *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := service.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(auth.ClaimsKey, claims)
		c.Set(auth.AdminIDKey, claims.AdminID)
		c.Next()
	}
}

// RequirePermission rejects admins whose token lacks permission. It runs
// after AdminAuth.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, _ := c.Get(auth.ClaimsKey)
		claims, ok := value.(*auth.Claims)
		if !ok || !claims.HasPermission(permission) {
			response.Forbidden(c, "Missing permission: "+permission)
			c.Abort()
			return
		}
		c.Next()
	}
}
