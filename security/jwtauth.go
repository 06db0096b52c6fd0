package security

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
)

// Claims mirrors the reference corpus's auth/token.go Claims type:
// jwt.RegisteredClaims plus the principal fields the gate needs to build
// a document.User without a second round-trip to a user store.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// TokenService issues and validates HS256 JWTs, matching
// auth/token.go's TokenService.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

func NewTokenService(secret []byte, expiration time.Duration, issuer string) *TokenService {
	return &TokenService{secret: secret, expiration: expiration, issuer: issuer}
}

// GenerateToken issues a signed token for user, embedding role and
// permissions so ValidateToken can resolve a full document.User offline.
func (t *TokenService) GenerateToken(user document.User) (string, error) {
	perms := make([]string, 0, len(user.Permissions))
	for p := range user.Permissions {
		perms = append(perms, string(p))
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(t.expiration)),
		},
		UserID:      user.UserID,
		Role:        string(user.Role),
		Permissions: perms,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken parses and verifies raw, returning the embedded Claims.
func (t *TokenService) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errs.Wrap(errs.KindUnauthenticated, "invalid token", err)
	}
	return claims, nil
}

// JWTAuthProvider implements AuthProvider by validating a bearer JWT and
// constructing a document.User from its claims, matching the reference
// corpus's token-based auth flow (auth/auth.go's GenerateToken/ValidateToken path).
type JWTAuthProvider struct {
	tokens *TokenService
}

func NewJWTAuthProvider(tokens *TokenService) *JWTAuthProvider {
	return &JWTAuthProvider{tokens: tokens}
}

func (p *JWTAuthProvider) Resolve(ctx context.Context, credential string) (document.User, error) {
	claims, err := p.tokens.ValidateToken(credential)
	if err != nil {
		return document.User{}, err
	}
	perms := make(map[document.Permission]struct{}, len(claims.Permissions))
	for _, perm := range claims.Permissions {
		perms[document.Permission(perm)] = struct{}{}
	}
	return document.User{UserID: claims.UserID, Role: document.Role(claims.Role), Permissions: perms}, nil
}

// PasswordHasher wraps golang.org/x/crypto/bcrypt, matching
// security/bcrypt.go and auth/password.go's credential-issuance path.
// It is not on the coordinator's hot path — it's used by whatever login
// flow mints the JWTs JWTAuthProvider later validates.
type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) PasswordHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return PasswordHasher{cost: cost}
}

func (h PasswordHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "hash password", err)
	}
	return string(hashed), nil
}

func (h PasswordHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
