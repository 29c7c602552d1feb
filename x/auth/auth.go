// Package auth verifies EIP-191 personal-sign signatures over HTTP requests and
// resolves them to the signing address.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Header names carrying the request identity.
const (
	HeaderCaller    = "X-Caller-Address"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// MaxNonceLength bounds the client-chosen nonce.
const MaxNonceLength = 64

// DefaultMaxSkew bounds how far a request timestamp may drift from local time.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("malformed signature")
	ErrSignerMismatch   = errors.New("signature does not match caller")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed skew")
	ErrBadNonce         = errors.New("nonce missing or too long")
	ErrReplayed         = errors.New("nonce already used")
)

type nonceKey struct {
	caller common.Address
	nonce  string
}

// Verifier checks request signatures. Each (caller, nonce) pair is accepted once while its
// timestamp is inside the skew window; after that the timestamp check rejects it anyway.
type Verifier struct {
	maxSkew time.Duration
	clock   func() time.Time

	mu        sync.Mutex
	seen      map[nonceKey]time.Time
	lastSweep time.Time
}

// NewVerifier creates a verifier. A non-positive maxSkew selects DefaultMaxSkew.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{
		maxSkew: maxSkew,
		clock:   time.Now,
		seen:    make(map[nonceKey]time.Time),
	}
}

// Message builds the signed payload: "METHOD PATH\nTIMESTAMP\nNONCE\nBODY".
func Message(method, path, timestamp, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(timestamp)+len(nonce)+len(body)+4)
	msg = append(msg, method...)
	msg = append(msg, ' ')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	msg = append(msg, timestamp...)
	msg = append(msg, '\n')
	msg = append(msg, nonce...)
	msg = append(msg, '\n')
	msg = append(msg, body...)
	return msg
}

// Sign produces a hex-encoded personal-sign signature over msg.
func Sign(key *ecdsa.PrivateKey, msg []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the address that signed msg.
func Recover(msg []byte, sigHex string) (common.Address, error) {
	if sigHex == "" {
		return common.Address{}, ErrMissingSignature
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	// wallets emit v as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sigHex was produced by caller over the request, that the unix-seconds
// timestamp is within the allowed skew and that the nonce was not used before.
func (v *Verifier) Verify(caller common.Address, method, path, timestamp, nonce string, body []byte, sigHex string) error {
	if nonce == "" || len(nonce) > MaxNonceLength {
		return ErrBadNonce
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrStaleTimestamp, timestamp)
	}
	now := v.clock()
	signedAt := time.Unix(ts, 0)
	drift := now.Sub(signedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxSkew {
		return fmt.Errorf("%w: drift %s", ErrStaleTimestamp, drift)
	}

	signer, err := Recover(Message(method, path, timestamp, nonce, body), sigHex)
	if err != nil {
		return err
	}
	if signer != caller {
		return fmt.Errorf("%w: signed by %s", ErrSignerMismatch, signer.Hex())
	}

	// only signed nonces are remembered, so nobody can burn another caller's nonce
	return v.remember(nonceKey{caller: caller, nonce: nonce}, signedAt.Add(v.maxSkew), now)
}

func (v *Verifier) remember(key nonceKey, expires, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.lastSweep) >= time.Second {
		for k, exp := range v.seen {
			if exp.Before(now) {
				delete(v.seen, k)
			}
		}
		v.lastSweep = now
	}

	if _, ok := v.seen[key]; ok {
		return fmt.Errorf("%w: %s", ErrReplayed, key.nonce)
	}
	v.seen[key] = expires
	return nil
}

// Remembered returns how many nonces are held for replay checks.
func (v *Verifier) Remembered() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}
