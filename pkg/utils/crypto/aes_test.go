package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCreds struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func TestEncryptJSONRoundTrip(t *testing.T) {
	in := testCreds{User: "root", Password: "hunter2"}

	sealed, err := EncryptJSON(in, "test-key")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	var out testCreds
	require.NoError(t, DecryptJSON(sealed, "test-key", &out))
	assert.Equal(t, in, out)
}

func TestEncryptJSONNonDeterministic(t *testing.T) {
	a, err := EncryptJSON("same value", "test-key")
	require.NoError(t, err)
	b, err := EncryptJSON("same value", "test-key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptJSONWrongKey(t *testing.T) {
	sealed, err := EncryptJSON(testCreds{User: "root"}, "test-key")
	require.NoError(t, err)

	var out testCreds
	assert.ErrorIs(t, DecryptJSON(sealed, "other-key", &out), ErrOpenFailed)
}

func TestDecryptJSONRejectsTampering(t *testing.T) {
	sealed, err := EncryptJSON(testCreds{User: "root"}, "test-key")
	require.NoError(t, err)

	var out testCreds
	assert.ErrorIs(t, DecryptJSON("not base64!!!", "test-key", &out), ErrInvalidCipherText)
	assert.ErrorIs(t, DecryptJSON("dG9vc2hvcnQ=", "test-key", &out), ErrInvalidCipherText)
	assert.ErrorIs(t, DecryptJSON(sealed[:len(sealed)-8]+"AAAAAAA=", "test-key", &out), ErrOpenFailed)
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := EncryptJSON("x", "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	var out string
	assert.ErrorIs(t, DecryptJSON("AAAA", "", &out), ErrInvalidKey)
}
