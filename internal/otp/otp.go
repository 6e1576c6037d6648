// Package otp issues and verifies the six-digit login codes sent between the
// password check and session issuance.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"time"

	"farmreach/internal/apperr"
	"farmreach/internal/metrics"
)

// DefaultMaxAttempts is how many wrong codes a ticket survives.
const DefaultMaxAttempts = 5

const (
	codeLen = 6
	codeMin = 100000
	codeMax = 999999
)

// ErrInvalidCode covers a missing, mismatched, expired, exhausted or already
// used code.
var ErrInvalidCode = apperr.Unauthenticated("invalid or expired code")

// Ticket is the single pending challenge of one user. Issuing a new ticket
// replaces the old one; consuming it removes it. Each wrong code spends one
// of AttemptsLeft and the ticket is removed when none remain.
type Ticket struct {
	UserID       string    `json:"user_id"`
	CodeHash     string    `json:"code_hash"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptsLeft int       `json:"attempts_left"`
}

func (t Ticket) TTL() time.Duration { return t.ExpiresAt.Sub(t.IssuedAt) }

// TicketStore holds at most one ticket per user.
type TicketStore interface {
	// Put stores t, replacing any ticket of the same user.
	Put(ctx context.Context, t Ticket) error
	// Consume atomically deletes the user's ticket if it matches codeHash and
	// has not expired at now, reporting whether it did. A mismatch spends one
	// attempt and deletes the ticket once its attempts are used up.
	Consume(ctx context.Context, userID, codeHash string, now time.Time) (bool, error)
}

type Manager struct {
	store       TicketStore
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	random      io.Reader
}

type Option func(*Manager)

// WithMaxAttempts sets how many wrong codes a ticket survives. Values below
// one are ignored.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func NewManager(store TicketStore, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		ttl:         ttl,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		random:      rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue generates a code for userID and stores it as the user's only
// pending ticket. The caller delivers the returned code.
func (m *Manager) Issue(ctx context.Context, userID string) (string, error) {
	n, err := rand.Int(m.random, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", apperr.Dependency("generate otp", err)
	}
	code := fmt.Sprintf("%06d", n.Int64()+codeMin)
	now := m.now()
	t := Ticket{
		UserID:       userID,
		CodeHash:     hashCode(code),
		IssuedAt:     now,
		ExpiresAt:    now.Add(m.ttl),
		AttemptsLeft: m.maxAttempts,
	}
	if err := m.store.Put(ctx, t); err != nil {
		return "", apperr.Dependency("store otp ticket", err)
	}
	metrics.OTPEvents.WithLabelValues("issued").Inc()
	return code, nil
}

// Verify consumes userID's ticket when code matches it. A wrong code spends
// one attempt; the ticket is gone after maxAttempts wrong codes.
func (m *Manager) Verify(ctx context.Context, userID, code string) error {
	if !wellFormed(code) {
		metrics.OTPEvents.WithLabelValues("rejected").Inc()
		return ErrInvalidCode
	}
	ok, err := m.store.Consume(ctx, userID, hashCode(code), m.now())
	if err != nil {
		return apperr.Dependency("consume otp ticket", err)
	}
	if !ok {
		metrics.OTPEvents.WithLabelValues("rejected").Inc()
		return ErrInvalidCode
	}
	metrics.OTPEvents.WithLabelValues("verified").Inc()
	return nil
}

func wellFormed(code string) bool {
	if len(code) != codeLen {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
