package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	totpSecretBytes = 20
	totpDigits      = 6
	totpPeriod      = 30
	totpSkew        = 1

	pendingSecretTTL = 10 * time.Minute
)

type pendingSecret struct {
	secret    string
	expiresAt time.Time
}

// SecondFactorService provisions TOTP secrets and verifies one-time codes.
// A freshly generated secret is pending until the user proves possession
// with a first valid code; pending secrets live in a per-user TTL cache,
// with a write-through to the store so enrollment survives a restart.
type SecondFactorService struct {
	store  Store
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pendingSecret
}

// SecondFactorOption configures SecondFactorService.
type SecondFactorOption func(*SecondFactorService)

// WithSecondFactorClock overrides the time source.
func WithSecondFactorClock(fn func() time.Time) SecondFactorOption {
	return func(s *SecondFactorService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPendingTTL overrides how long an unconfirmed secret stays valid.
func WithPendingTTL(ttl time.Duration) SecondFactorOption {
	return func(s *SecondFactorService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewSecondFactorService constructs the service.
func NewSecondFactorService(store Store, issuer string, opts ...SecondFactorOption) *SecondFactorService {
	s := &SecondFactorService{
		store:   store,
		issuer:  issuer,
		ttl:     pendingSecretTTL,
		now:     time.Now,
		pending: make(map[string]pendingSecret),
	}
	if strings.TrimSpace(s.issuer) == "" {
		s.issuer = defaultIssuer
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll generates a pending secret for the user and returns it along with
// the otpauth:// provisioning URI. MFA is not active until Activate succeeds.
func (s *SecondFactorService) Enroll(ctx context.Context, user *User) (secret, uri string, err error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	secret = base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)

	if err := s.store.Users(ctx).SetPendingMFASecret(ctx, user.ID, secret); err != nil {
		return "", "", err
	}

	now := s.now()
	s.mu.Lock()
	s.prune(now)
	s.pending[user.ID] = pendingSecret{secret: secret, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()

	return secret, s.provisionURI(secret, user.Email), nil
}

// Activate turns MFA on once the user presents a valid code for the pending
// secret. A wrong code yields ErrBadMFACode; no pending secret yields
// ErrNotFound.
func (s *SecondFactorService) Activate(ctx context.Context, user *User, code string) error {
	secret, ok := s.pendingFor(user.ID)
	if !ok {
		// Cache miss (restart or TTL expiry inside the persistence window);
		// fall back to the persisted pending secret.
		secret = user.TempMFASecret
	}
	if secret == "" {
		return ErrNotFound
	}
	if !s.VerifyCode(secret, code, s.now()) {
		return ErrBadMFACode
	}
	if err := s.store.Users(ctx).ActivateMFA(ctx, user.ID, secret); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, user.ID)
	s.mu.Unlock()
	return nil
}

// Check verifies a login-time code against the user's active secret.
func (s *SecondFactorService) Check(user *User, code string) error {
	if !user.MFAEnabled || user.MFASecret == "" {
		return nil
	}
	if !s.VerifyCode(user.MFASecret, code, s.now()) {
		return ErrBadMFACode
	}
	return nil
}

// Disable turns MFA off and clears both secrets.
func (s *SecondFactorService) Disable(ctx context.Context, userID string) error {
	if err := s.store.Users(ctx).DisableMFA(ctx, userID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, userID)
	s.mu.Unlock()
	return nil
}

// VerifyCode checks an RFC 6238 code (SHA1, 6 digits, 30 s period) allowing
// one step of clock skew in either direction.
func (s *SecondFactorService) VerifyCode(secretBase32, code string, at time.Time) bool {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != totpDigits || !isNumeric(trimmed) {
		return false
	}
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secretBase32))
	if err != nil || len(secret) == 0 {
		return false
	}

	baseCounter := at.Unix() / totpPeriod
	for step := int64(-totpSkew); step <= totpSkew; step++ {
		counter := baseCounter + step
		if counter < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotpCode(secret, counter)), []byte(trimmed)) == 1 {
			return true
		}
	}
	return false
}

func (s *SecondFactorService) provisionURI(secretBase32, account string) string {
	label := url.PathEscape(s.issuer + ":" + account)
	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", s.issuer)
	v.Set("period", fmt.Sprintf("%d", totpPeriod))
	v.Set("digits", fmt.Sprintf("%d", totpDigits))
	v.Set("algorithm", "SHA1")
	return "otpauth://totp/" + label + "?" + v.Encode()
}

func (s *SecondFactorService) pendingFor(userID string) (string, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	p, ok := s.pending[userID]
	if !ok {
		return "", false
	}
	return p.secret, true
}

// prune drops expired entries; callers hold s.mu.
func (s *SecondFactorService) prune(now time.Time) {
	for k, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, k)
		}
	}
}

func hotpCode(secret []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < totpDigits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", totpDigits, bin%mod)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
