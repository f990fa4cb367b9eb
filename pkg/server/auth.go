package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/golang-jwt/jwt/v5"
)

// tokenCookie is the cookie browsers can use instead of an Authorization header
const tokenCookie = "pairchat_token"

// ErrUnauthenticated means the request carried no usable credential
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is an authenticated user as seen by the gateway
type Identity struct {
	UserID      int64
	DisplayName string
}

// Authenticator verifies HS256 bearer tokens whose subject is a user id
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	users  IdentityStore
}

// NewAuthenticator creates an authenticator that resolves token subjects
// through users
func NewAuthenticator(secret, issuer string, ttl time.Duration, users IdentityStore) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		users:  users,
	}
}

// IssueToken signs a token for userID
func (a *Authenticator) IssueToken(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  strconv.FormatInt(userID, 10),
		Issuer:   a.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Authenticate resolves the identity behind a request. It returns
// ErrUnauthenticated for a missing, invalid or expired token, or a token
// whose user no longer exists. Any other error is a store failure.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return nil, ErrUnauthenticated
	}

	userID, err := a.verify(raw)
	if err != nil {
		debugLog.Printf("Rejected token from %s: %v", r.RemoteAddr, err)
		return nil, ErrUnauthenticated
	}

	user, err := a.users.GetUserByID(ctx, userID)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token subject: %w", err)
	}

	return &Identity{UserID: user.ID, DisplayName: user.DisplayName}, nil
}

func (a *Authenticator) verify(raw string) (int64, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return 0, err
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject %q is not a user id", claims.Subject)
	}
	return userID, nil
}

// tokenFromRequest looks for a token in the Authorization header, then the
// token query parameter (browsers cannot set headers on WebSocket upgrades),
// then the session cookie
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie(tokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
