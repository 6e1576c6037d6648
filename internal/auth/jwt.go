package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, tampered and expired tokens alike.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the session payload. RoleName is informational only; role and
// permissions are reloaded from the store on every request.
type Claims struct {
	UserID    string
	Email     string
	RoleName  string
	ExpiresAt time.Time
}

type sessionClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 session tokens.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(secret []byte, ttl time.Duration) *Codec {
	return &Codec{secret: secret, ttl: ttl, now: time.Now}
}

func (c *Codec) TTL() time.Duration { return c.ttl }

func (c *Codec) Issue(claims Claims) (string, error) {
	now := c.now()
	sc := sessionClaims{
		Email: claims.Email,
		Role:  claims.RoleName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, sc).SignedString(c.secret)
}

func (c *Codec) Verify(raw string) (Claims, error) {
	var sc sessionClaims
	tok, err := jwt.ParseWithClaims(raw, &sc, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !tok.Valid || sc.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		UserID:    sc.Subject,
		Email:     sc.Email,
		RoleName:  sc.Role,
		ExpiresAt: sc.ExpiresAt.Time,
	}, nil
}
