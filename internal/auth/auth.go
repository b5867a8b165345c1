package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/paysync-api/internal/types"
	"github.com/ksred/paysync-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid admin credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Gin context keys the admin middleware stores the caller under.
const (
	AdminIDKey = "admin_id"
	ClaimsKey  = "claims"
)

// Permissions carried in admin tokens. Each guards one group of admin routes.
const (
	PermissionOrders   = "orders"
	PermissionPayments = "payments"
)

// AllPermissions is granted when a token is issued without explicit permissions.
var AllPermissions = []string{PermissionOrders, PermissionPayments}

// Credentials represents the admin API credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	AdminID     string   `json:"admin_id"`
	Permissions []string `json:"permissions"`
}

func (c *Claims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

type apiCredential struct {
	secret      string
	permissions []string
}

// Service issues and validates admin tokens
type Service struct {
	jwtSecret      []byte
	ttl            time.Duration
	apiCredentials map[string]apiCredential
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		ttl:            ttl,
		apiCredentials: make(map[string]apiCredential),
	}
}

// GenerateToken generates a JWT token for valid admin credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	cred, ok := s.apiCredentials[creds.APIKey]
	if !ok || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(creds.APIKey, cred.permissions...)
}

// IssueToken signs a token for adminID without checking credentials. Without
// permissions the token carries AllPermissions.
func (s *Service) IssueToken(adminID string, permissions ...string) (*TokenResponse, error) {
	if len(permissions) == 0 {
		permissions = AllPermissions
	}
	expiration := time.Now().Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		AdminID:     adminID,
		Permissions: permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.AdminID != "" {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// RegisterAPICredentials registers admin credentials, typically from
// configuration. Tokens issued for them carry permissions, or all of them.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, permissions ...string) {
	if apiKey == "" || apiSecret == "" {
		return
	}
	s.apiCredentials[apiKey] = apiCredential{secret: apiSecret, permissions: permissions}
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate admin tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// AdminID returns the authenticated admin stored by the middleware, or "".
func AdminID(c *gin.Context) string {
	return c.GetString(AdminIDKey)
}

// AdminActor is the audit actor for an admin-initiated change.
func AdminActor(adminID string) types.Actor {
	return types.Actor{Type: types.ActorAdmin, ID: adminID}
}
