package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashCodeRoundTrip(t *testing.T) {
	hash, err := HashCode("AB12CD34")
	require.NoError(t, err)
	require.NotEqual(t, "AB12CD34", hash)

	require.True(t, VerifyCode(hash, "AB12CD34"))
	require.False(t, VerifyCode(hash, "AB12CD35"))
}

func TestDigestIsStable(t *testing.T) {
	a := Digest("device-token")
	b := Digest("device-token")
	require.Equal(t, a, b)
	require.Len(t, a, 64)
	require.NotEqual(t, a, Digest("other-token"))
}

func TestEncryptDecrypt(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	ciphertext, err := Encrypt([]byte("JBSWY3DPEHPK3PXP"), key)
	require.NoError(t, err)
	require.NotContains(t, ciphertext, "JBSWY3DPEHPK3PXP")

	plaintext, err := Decrypt(ciphertext, key)
	require.NoError(t, err)
	require.Equal(t, "JBSWY3DPEHPK3PXP", string(plaintext))
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	other := []byte("fedcba9876543210fedcba9876543210")

	ciphertext, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, other)
	require.Error(t, err)
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	_, err := Decrypt("QUJD", key)
	require.Error(t, err)
}

func TestGenerateTokenLengthAndCharset(t *testing.T) {
	token, err := GenerateToken(32)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, strings.ContainsAny(token, "+/="))

	second, err := GenerateToken(32)
	require.NoError(t, err)
	require.NotEqual(t, token, second)
}
