package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/models"
)

func TestDeviceAddThenCheck(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	token, err := s.devices.Add(ctx, testAccountID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// only the digest is stored
	var device models.TrustedDevice
	require.NoError(t, s.db.First(&device, "account_id = ?", testAccountID).Error)
	require.NotEqual(t, token, device.TokenDigest)

	trusted, err := s.devices.Check(ctx, testAccountID, token)
	require.NoError(t, err)
	require.True(t, trusted)
}

func TestDeviceCheckRejectsUnknownToken(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	_, err := s.devices.Add(ctx, testAccountID)
	require.NoError(t, err)

	trusted, err := s.devices.Check(ctx, testAccountID, "not-the-token")
	require.NoError(t, err)
	require.False(t, trusted)
}

func TestDeviceCheckRejectsOtherAccount(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	token, err := s.devices.Add(ctx, testAccountID)
	require.NoError(t, err)

	trusted, err := s.devices.Check(ctx, "c9b7a6d5-0000-4111-8222-333333333333", token)
	require.NoError(t, err)
	require.False(t, trusted)
}

func TestDeviceTrustExpires(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	token, err := s.devices.Add(ctx, testAccountID)
	require.NoError(t, err)

	s.clock.Advance(DefaultDeviceTTL - time.Minute)
	trusted, err := s.devices.Check(ctx, testAccountID, token)
	require.NoError(t, err)
	require.True(t, trusted)

	s.clock.Advance(2 * time.Minute)
	trusted, err = s.devices.Check(ctx, testAccountID, token)
	require.NoError(t, err)
	require.False(t, trusted)
}

func TestDeviceRevoke(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	first, err := s.devices.Add(ctx, testAccountID)
	require.NoError(t, err)
	second, err := s.devices.Add(ctx, testAccountID)
	require.NoError(t, err)

	require.NoError(t, s.devices.Revoke(ctx, testAccountID))

	for _, token := range []string{first, second} {
		trusted, err := s.devices.Check(ctx, testAccountID, token)
		require.NoError(t, err)
		require.False(t, trusted)
	}
}
