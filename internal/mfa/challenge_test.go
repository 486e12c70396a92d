package mfa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/pkg/crypto"
	appErrors "github.com/tallyhq/tally/pkg/errors"
)

func TestIssueChallengeUnknownFactor(t *testing.T) {
	s := newTestStack(t)

	_, err := s.verifier.IssueChallenge(context.Background(), testAccountID, "97c8b7a2-4a7e-4bff-8f3c-111111111111")
	require.ErrorIs(t, err, appErrors.ErrFactorNotFound)
}

func TestVerifyAcceptsCurrentCode(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, _ := enrollVerified(t, s)
	secret := factorSecret(t, s, factorID)

	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, s.clock.Now())
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.NoError(t, err)
}

func TestVerifyAcceptsAdjacentTimeStep(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, _ := enrollVerified(t, s)
	secret := factorSecret(t, s, factorID)

	// A code from the previous 30-second step is still accepted (clock drift).
	code, err := totp.GenerateCode(secret, s.clock.Now().Add(-30*time.Second))
	require.NoError(t, err)

	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.NoError(t, err)
}

func TestVerifyExpiredChallenge(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, _ := enrollVerified(t, s)
	secret := factorSecret(t, s, factorID)

	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	s.clock.Advance(DefaultChallengeTTL + time.Second)

	// Even a currently-valid code is rejected once the challenge is stale.
	code, err := totp.GenerateCode(secret, s.clock.Now())
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.ErrorIs(t, err, appErrors.ErrChallengeExpired)
}

func TestVerifyChallengeIsSingleUse(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, _ := enrollVerified(t, s)
	secret := factorSecret(t, s, factorID)

	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        "000000",
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.ErrorIs(t, err, appErrors.ErrInvalidCode)

	// The failed attempt spent the challenge; the correct code cannot reuse it.
	code, err := totp.GenerateCode(secret, s.clock.Now())
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.ErrorIs(t, err, appErrors.ErrChallengeNotFound)
}

func TestVerifyUnknownChallenge(t *testing.T) {
	s := newTestStack(t)

	err := s.verifier.Verify(context.Background(), VerifyInput{
		ChallengeID: "be0acfa2-63a5-4719-b2b0-222222222222",
		AccountID:   testAccountID,
		Code:        "123456",
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.ErrorIs(t, err, appErrors.ErrChallengeNotFound)
}

func TestVerifyRejectsUnknownKind(t *testing.T) {
	s := newTestStack(t)

	err := s.verifier.Verify(context.Background(), VerifyInput{
		ChallengeID: "be0acfa2-63a5-4719-b2b0-222222222222",
		AccountID:   testAccountID,
		Code:        "123456",
		Kind:        "sms",
		Identifier:  testAccountID,
	})
	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, appErrors.ErrBadRequest.Code, appErr.Code)
}

func TestVerifyWithRecoveryCode(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, codes := enrollVerified(t, s)

	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        codes[0],
		Kind:        KindRecovery,
		Identifier:  testAccountID,
	})
	require.NoError(t, err)

	// The same recovery code cannot be spent twice, even on a new challenge.
	challenge, err = s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        codes[0],
		Kind:        KindRecovery,
		Identifier:  testAccountID,
	})
	require.ErrorIs(t, err, appErrors.ErrCodeAlreadyUsed)
}

func TestVerifyLockoutWinsOverCorrectCode(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, _ := enrollVerified(t, s)
	secret := factorSecret(t, s, factorID)

	for i := 0; i < DefaultLockoutThreshold; i++ {
		challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
		require.NoError(t, err)

		err = s.verifier.Verify(ctx, VerifyInput{
			ChallengeID: challenge.ID,
			AccountID:   testAccountID,
			Code:        "000000",
			Kind:        KindTOTP,
			Identifier:  testAccountID,
		})
		require.ErrorIs(t, err, appErrors.ErrInvalidCode)
	}

	// The sixth attempt carries the correct code and is still refused.
	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, s.clock.Now())
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.ErrorIs(t, err, appErrors.ErrRateLimited)

	// The challenge was not consumed while locked out.
	var row models.MfaChallenge
	require.NoError(t, s.db.First(&row, "id = ?", challenge.ID).Error)
	require.False(t, row.Consumed())
}

func TestVerifyLockoutRelaxesAfterWindow(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, _ := enrollVerified(t, s)
	secret := factorSecret(t, s, factorID)

	for i := 0; i < DefaultLockoutThreshold; i++ {
		challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
		require.NoError(t, err)
		_ = s.verifier.Verify(ctx, VerifyInput{
			ChallengeID: challenge.ID,
			AccountID:   testAccountID,
			Code:        "000000",
			Kind:        KindTOTP,
			Identifier:  testAccountID,
		})
	}

	s.clock.Advance(DefaultLockoutWindow + time.Minute)

	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, s.clock.Now())
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.NoError(t, err)
}

func TestIssueChallengeRejectsForeignFactor(t *testing.T) {
	s := newTestStack(t)

	factorID, _ := enrollVerified(t, s)

	// Another authenticated account cannot open a challenge against this factor.
	_, err := s.verifier.IssueChallenge(context.Background(), "9e0f37e3-6f1b-4c9d-a2e4-aaaaaaaaaaaa", factorID)
	require.ErrorIs(t, err, appErrors.ErrFactorNotFound)
}

func TestVerifyRejectsForeignChallenge(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, _ := enrollVerified(t, s)
	secret := factorSecret(t, s, factorID)

	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	// A caller holding a session for a different account cannot redeem the
	// challenge, even with the factor's current code.
	code, err := totp.GenerateCode(secret, s.clock.Now())
	require.NoError(t, err)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   "9e0f37e3-6f1b-4c9d-a2e4-aaaaaaaaaaaa",
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.ErrorIs(t, err, appErrors.ErrChallengeNotFound)

	// The mismatch leaves the challenge open for its owner.
	var row models.MfaChallenge
	require.NoError(t, s.db.First(&row, "id = ?", challenge.ID).Error)
	require.False(t, row.Consumed())

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.NoError(t, err)
}

func TestVerifyStorageFaultDoesNotCountAsFailure(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	factorID, _ := enrollVerified(t, s)

	challenge, err := s.verifier.IssueChallenge(ctx, testAccountID, factorID)
	require.NoError(t, err)

	// A factor whose secret no longer decrypts is an operational fault, not a
	// wrong guess.
	require.NoError(t, s.db.Model(&models.AuthFactor{}).
		Where("id = ?", factorID).
		Update("secret", "not-a-ciphertext").Error)

	var before int64
	require.NoError(t, s.db.Model(&models.LoginAttempt{}).Count(&before).Error)

	err = s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   testAccountID,
		Code:        "123456",
		Kind:        KindTOTP,
		Identifier:  testAccountID,
	})
	require.Error(t, err)
	var appErr *appErrors.AppError
	require.False(t, errors.As(err, &appErr))

	var after int64
	require.NoError(t, s.db.Model(&models.LoginAttempt{}).Count(&after).Error)
	require.Equal(t, before, after)
}

func factorSecret(t *testing.T, s *testStack, factorID string) string {
	t.Helper()

	var factor models.AuthFactor
	require.NoError(t, s.db.First(&factor, "id = ?", factorID).Error)

	secret, err := crypto.Decrypt(factor.Secret, testEncryptionKey)
	require.NoError(t, err)
	return string(secret)
}
