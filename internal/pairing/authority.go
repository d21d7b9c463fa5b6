// Package pairing authorizes new devices to join the mesh.
//
// An operator issues a short-lived random token and hands it to the
// device out of band, typically as a QR code. The device presents the
// token on its first registration and receives a long-lived credential
// in exchange; later reconnects authenticate with that credential.
//
// Tokens expire after the configured TTL (five minutes by default) and
// are never accepted afterwards. By default a token is consumed by its
// first successful redemption; [Config.Reusable] allows one token to
// pair several devices until it expires.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/thane-mesh/internal/protocol"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 5 * time.Minute

// tokenBytes is the entropy of a pairing token (256 bits).
const tokenBytes = 32

var (
	// ErrTokenInvalid is returned for a token that was never issued,
	// was already consumed, or has been forgotten after expiry.
	ErrTokenInvalid = errors.New("pairing token invalid")
	// ErrTokenExpired is returned for a recently expired token.
	ErrTokenExpired = errors.New("pairing token expired")
	// ErrNotPaired is returned when authenticating an unknown device.
	ErrNotPaired = errors.New("device not paired")
	// ErrBadCredential is returned when a device credential does not
	// match the stored hash.
	ErrBadCredential = errors.New("device credential rejected")
	// ErrNoCredentials is returned by [Authority.Admit] when a
	// registration carries neither a token nor a credential.
	ErrNoCredentials = errors.New("registration carries no pairing token or credential")
)

// Token is an issued pairing token.
type Token struct {
	Value     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config controls token lifetime and reuse.
type Config struct {
	// TTL is the token lifetime (default 5m).
	TTL time.Duration
	// Reusable keeps a token valid after redemption until it expires.
	Reusable bool
}

type tokenEntry struct {
	token   Token
	expired bool
	timer   *time.Timer
}

// Authority issues and checks pairing tokens and device credentials.
// All methods are safe for concurrent use.
type Authority struct {
	logger   *slog.Logger
	store    *Store
	ttl      time.Duration
	reusable bool

	mu     sync.Mutex
	tokens map[string]*tokenEntry
}

// NewAuthority creates an authority backed by store for device
// credentials.
func NewAuthority(logger *slog.Logger, store *Store, cfg Config) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Authority{
		logger:   logger,
		store:    store,
		ttl:      cfg.TTL,
		reusable: cfg.Reusable,
		tokens:   make(map[string]*tokenEntry),
	}
}

// TTL returns the configured token lifetime.
func (a *Authority) TTL() time.Duration { return a.ttl }

// IssueToken generates a new random token, records it and schedules
// its expiry.
func (a *Authority) IssueToken() (Token, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, fmt.Errorf("generate pairing token: %w", err)
	}
	now := time.Now()
	tok := Token{
		Value:     hex.EncodeToString(buf),
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
	}

	e := &tokenEntry{token: tok}
	a.mu.Lock()
	a.tokens[tok.Value] = e
	e.timer = time.AfterFunc(a.ttl, func() { a.expire(tok.Value) })
	a.mu.Unlock()

	a.logger.Info("pairing token issued",
		"token_prefix", tokenPrefix(tok.Value),
		"expires_at", tok.ExpiresAt.Format(time.RFC3339),
	)
	return tok, nil
}

// expire marks the token expired and keeps a tombstone for one more
// TTL so Verify can report ErrTokenExpired rather than ErrTokenInvalid.
func (a *Authority) expire(value string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.tokens[value]
	if !ok {
		return
	}
	if e.expired {
		delete(a.tokens, value)
		return
	}
	e.expired = true
	e.timer = time.AfterFunc(a.ttl, func() { a.expire(value) })
	a.logger.Debug("pairing token expired", "token_prefix", tokenPrefix(value))
}

// Verify reports whether token is currently tracked and unexpired. It
// does not consume the token.
func (a *Authority) Verify(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.lookupLocked(token)
	return err
}

func (a *Authority) lookupLocked(token string) (*tokenEntry, error) {
	e, ok := a.tokens[strings.TrimSpace(token)]
	switch {
	case !ok:
		return nil, ErrTokenInvalid
	case e.expired, !time.Now().Before(e.token.ExpiresAt):
		return nil, ErrTokenExpired
	}
	return e, nil
}

// Redeem exchanges a valid token for a new credential for deviceID.
// The credential is returned once; only its bcrypt hash is stored. In
// single-use mode the token is consumed.
func (a *Authority) Redeem(token, deviceID string) (string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", fmt.Errorf("redeem pairing token: %w", ErrTokenInvalid)
	}

	a.mu.Lock()
	e, err := a.lookupLocked(token)
	if err == nil && !a.reusable {
		e.timer.Stop()
		delete(a.tokens, e.token.Value)
	}
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn("pairing rejected", "device_id", deviceID, "error", err)
		return "", err
	}

	credential, err := newCredential()
	if err == nil {
		err = a.store.Save(deviceID, credential)
	}
	if err != nil {
		a.restore(e)
		return "", fmt.Errorf("store credential for %s: %w", deviceID, err)
	}

	a.logger.Info("device paired",
		"device_id", deviceID,
		"token_prefix", tokenPrefix(e.token.Value),
		"reusable", a.reusable,
	)
	return credential, nil
}

// restore puts a single-use token claimed by a failed Redeem back
// into the table so the operator can retry with it.
func (a *Authority) restore(e *tokenEntry) {
	if a.reusable {
		return
	}
	remaining := time.Until(e.token.ExpiresAt)
	if remaining <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tokens[e.token.Value]; ok {
		return
	}
	value := e.token.Value
	a.tokens[value] = e
	e.timer = time.AfterFunc(remaining, func() { a.expire(value) })
}

// Authenticate checks a credential presented by an already paired
// device and records the sighting.
func (a *Authority) Authenticate(deviceID, credential string) error {
	if err := a.store.Check(deviceID, credential); err != nil {
		a.logger.Warn("device authentication failed", "device_id", deviceID, "error", err)
		return err
	}
	if err := a.store.Touch(deviceID); err != nil {
		a.logger.Debug("update last_seen failed", "device_id", deviceID, "error", err)
	}
	return nil
}

// Admit authorizes a registration. A credential is checked against the
// store; otherwise the pairing token is redeemed and the new credential
// returned for the transport to hand back to the device. The returned
// credential is empty for credential-authenticated devices.
func (a *Authority) Admit(reg protocol.Registration) (string, error) {
	switch {
	case reg.Credential != "":
		return "", a.Authenticate(reg.DeviceID, reg.Credential)
	case reg.Token != "":
		return a.Redeem(reg.Token, reg.DeviceID)
	default:
		return "", ErrNoCredentials
	}
}

// Forget removes a paired device's credential. Forgetting an unknown
// device is not an error.
func (a *Authority) Forget(deviceID string) error {
	if err := a.store.Delete(deviceID); err != nil {
		return err
	}
	a.logger.Info("device unpaired", "device_id", deviceID)
	return nil
}

// Paired lists paired devices.
func (a *Authority) Paired() ([]PairedDevice, error) {
	return a.store.List()
}

// Outstanding returns the number of live (unexpired) tokens.
func (a *Authority) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.tokens {
		if !e.expired {
			n++
		}
	}
	return n
}

// Close stops all expiry timers and discards outstanding tokens.
func (a *Authority) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for v, e := range a.tokens {
		e.timer.Stop()
		delete(a.tokens, v)
	}
}

func newCredential() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// tokenPrefix returns enough of a token to correlate log lines without
// leaking it.
func tokenPrefix(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
