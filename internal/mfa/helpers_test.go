package mfa

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/database/testutil"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

// testClock is an adjustable clock shared by all services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testStack struct {
	db         *gorm.DB
	clock      *testClock
	guard      *LockoutGuard
	vault      *RecoveryVault
	verifier   *Verifier
	enrollment *EnrollmentService
	devices    *DeviceRegistry
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()

	guard, err := NewLockoutGuard(db, WithGuardClock(clock.Now))
	require.NoError(t, err)

	vault, err := NewRecoveryVault(db, WithVaultClock(clock.Now))
	require.NoError(t, err)

	verifier, err := NewVerifier(db, vault, guard, testEncryptionKey, WithVerifierClock(clock.Now))
	require.NoError(t, err)

	enrollment, err := NewEnrollmentService(db, verifier, vault, testEncryptionKey,
		WithIssuer("Tally Test"),
		WithEnrollmentClock(clock.Now),
	)
	require.NoError(t, err)

	devices, err := NewDeviceRegistry(db, WithDeviceClock(clock.Now))
	require.NoError(t, err)

	return &testStack{
		db:         db,
		clock:      clock,
		guard:      guard,
		vault:      vault,
		verifier:   verifier,
		enrollment: enrollment,
		devices:    devices,
	}
}
