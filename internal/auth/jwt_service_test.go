package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*JWTService, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Now().UTC()}
	svc, err := NewJWTService(JWTConfig{
		Secret: "test-secret",
		Issuer: "tally-test",
		TTL:    time.Minute,
		Clock:  clock.Now,
	})
	require.NoError(t, err)
	return svc, clock
}

func TestNewJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	require.Error(t, err)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.GenerateSessionToken("acct-1", MFAStatePending)
	require.NoError(t, err)

	claims, err := svc.ValidateSessionToken(token)
	require.NoError(t, err)
	require.Equal(t, "acct-1", claims.AccountID)
	require.Equal(t, MFAStatePending, claims.MFA)
	require.False(t, claims.Satisfied())

	token, err = svc.GenerateSessionToken("acct-1", MFAStateSatisfied)
	require.NoError(t, err)

	claims, err = svc.ValidateSessionToken(token)
	require.NoError(t, err)
	require.True(t, claims.Satisfied())
}

func TestGenerateRejectsUnknownState(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GenerateSessionToken("acct-1", "almost")
	require.Error(t, err)

	_, err = svc.GenerateSessionToken("", MFAStatePending)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc, clock := newTestService(t)

	token, err := svc.GenerateSessionToken("acct-1", MFAStateSatisfied)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = svc.ValidateSessionToken(token)
	require.Error(t, err)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	svc, _ := newTestService(t)

	other, err := NewJWTService(JWTConfig{Secret: "different-secret", Issuer: "tally-test"})
	require.NoError(t, err)

	token, err := other.GenerateSessionToken("acct-1", MFAStateSatisfied)
	require.NoError(t, err)

	_, err = svc.ValidateSessionToken(token)
	require.Error(t, err)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	svc, _ := newTestService(t)

	other, err := NewJWTService(JWTConfig{Secret: "test-secret", Issuer: "someone-else"})
	require.NoError(t, err)

	token, err := other.GenerateSessionToken("acct-1", MFAStateSatisfied)
	require.NoError(t, err)

	_, err = svc.ValidateSessionToken(token)
	require.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ValidateSessionToken("")
	require.Error(t, err)

	_, err = svc.ValidateSessionToken("not.a.jwt")
	require.Error(t, err)
}
