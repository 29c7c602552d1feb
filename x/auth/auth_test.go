package auth

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestVerifier_AcceptsSignedRequest(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	caller := crypto.PubkeyToAddress(key.PublicKey)

	now := time.Unix(1_750_000_000, 0)
	v := NewVerifier(time.Minute)
	v.clock = func() time.Time { return now }

	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"escrow_amount":"100"}`)
	sig, err := Sign(key, Message("POST", "/v1/slas", ts, "n-1", body))
	require.NoError(t, err)

	// any change to the signed material breaks the signature
	require.ErrorIs(t, v.Verify(caller, "POST", "/v1/slas/0", ts, "n-1", body, sig), ErrSignerMismatch)
	require.ErrorIs(t, v.Verify(caller, "POST", "/v1/slas", ts, "n-1", []byte(`{}`), sig), ErrSignerMismatch)
	require.ErrorIs(t, v.Verify(caller, "POST", "/v1/slas", ts, "n-2", body, sig), ErrSignerMismatch)

	other := common.HexToAddress("0x1000000000000000000000000000000000000001")
	require.ErrorIs(t, v.Verify(other, "POST", "/v1/slas", ts, "n-1", body, sig), ErrSignerMismatch)

	require.NoError(t, v.Verify(caller, "POST", "/v1/slas", ts, "n-1", body, sig))
}

func TestVerifier_RejectsReplays(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	caller := crypto.PubkeyToAddress(key.PublicKey)

	now := time.Unix(1_750_000_000, 0)
	v := NewVerifier(time.Minute)
	v.clock = func() time.Time { return now }

	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"escrow_amount":"100"}`)
	sig, err := Sign(key, Message("POST", "/v1/slas", ts, "once", body))
	require.NoError(t, err)

	require.NoError(t, v.Verify(caller, "POST", "/v1/slas", ts, "once", body, sig))
	for range 3 {
		require.ErrorIs(t, v.Verify(caller, "POST", "/v1/slas", ts, "once", body, sig), ErrReplayed)
	}

	// a fresh nonce signs a distinct request
	sig2, err := Sign(key, Message("POST", "/v1/slas", ts, "twice", body))
	require.NoError(t, err)
	require.NoError(t, v.Verify(caller, "POST", "/v1/slas", ts, "twice", body, sig2))
	require.Equal(t, 2, v.Remembered())

	// entries are dropped once their timestamp can no longer pass the skew check
	now = now.Add(2 * time.Minute)
	require.ErrorIs(t, v.Verify(caller, "POST", "/v1/slas", ts, "once", body, sig), ErrStaleTimestamp)
	ts3 := strconv.FormatInt(now.Unix(), 10)
	sig3, err := Sign(key, Message("POST", "/v1/slas", ts3, "later", body))
	require.NoError(t, err)
	require.NoError(t, v.Verify(caller, "POST", "/v1/slas", ts3, "later", body, sig3))
	require.Equal(t, 1, v.Remembered())
}

func TestVerifier_RejectsBadNonces(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	caller := crypto.PubkeyToAddress(key.PublicKey)
	v := NewVerifier(time.Minute)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	for _, nonce := range []string{"", strings.Repeat("n", MaxNonceLength+1)} {
		sig, err := Sign(key, Message("GET", "/v1/slas", ts, nonce, nil))
		require.NoError(t, err)
		require.ErrorIs(t, v.Verify(caller, "GET", "/v1/slas", ts, nonce, nil, sig), ErrBadNonce)
	}
	require.Zero(t, v.Remembered())
}

func TestVerifier_UnsignedNonceIsNotBurned(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	caller := crypto.PubkeyToAddress(key.PublicKey)
	forger, err := crypto.GenerateKey()
	require.NoError(t, err)

	v := NewVerifier(time.Minute)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	forged, err := Sign(forger, Message("GET", "/v1/slas", ts, "n", nil))
	require.NoError(t, err)
	require.ErrorIs(t, v.Verify(caller, "GET", "/v1/slas", ts, "n", nil, forged), ErrSignerMismatch)

	sig, err := Sign(key, Message("GET", "/v1/slas", ts, "n", nil))
	require.NoError(t, err)
	require.NoError(t, v.Verify(caller, "GET", "/v1/slas", ts, "n", nil, sig))
}

func TestVerifier_RejectsStaleTimestamps(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	caller := crypto.PubkeyToAddress(key.PublicKey)

	now := time.Unix(1_750_000_000, 0)
	v := NewVerifier(time.Minute)
	v.clock = func() time.Time { return now }

	for _, ts := range []string{
		strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10),
		strconv.FormatInt(now.Add(2*time.Minute).Unix(), 10),
		"yesterday",
	} {
		sig, err := Sign(key, Message("GET", "/v1/slas", ts, "n", nil))
		require.NoError(t, err)
		require.ErrorIs(t, v.Verify(caller, "GET", "/v1/slas", ts, "n", nil, sig), ErrStaleTimestamp, ts)
	}
}

func TestRecover_MalformedSignatures(t *testing.T) {
	_, err := Recover([]byte("hello"), "")
	require.ErrorIs(t, err, ErrMissingSignature)

	_, err = Recover([]byte("hello"), "0xzz")
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = Recover([]byte("hello"), "0x1234")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestDefaultMaxSkew(t *testing.T) {
	require.Equal(t, DefaultMaxSkew, NewVerifier(0).maxSkew)
}
