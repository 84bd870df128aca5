// Package security gives the 2PC RPC surface a trust boundary: every
// inter-node request is HMAC-signed with a key derived from a shared
// cluster secret, using the same pbkdf2-then-HMAC construction as
// SCRAM-SHA-256 credential derivation, scoped here to request
// authentication instead of password storage.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 4096
	keyLength        = 32
	signatureHeader  = "X-2PC-Signature"
	timestampHeader  = "X-2PC-Timestamp"
	defaultSkew      = 30 * time.Second
)

// salt is fixed and public: the secret, not the salt, is what must stay
// confidential, and a fixed salt lets every node in the cluster derive the
// identical signing key from the same configured secret without a side
// channel to exchange a random one.
var salt = []byte("twopc-request-signing-v1")

// Signer signs and verifies inter-node RPC requests with a key derived
// from a shared secret via PBKDF2.
type Signer struct {
	key  []byte
	skew time.Duration
	now  func() time.Time
}

// NewSigner derives a signing key from secret. An empty secret yields a nil
// Signer via New, not this constructor — callers that want signing
// unconditionally should use NewSigner directly.
func NewSigner(secret string) *Signer {
	return &Signer{
		key:  pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, keyLength, sha256.New),
		skew: defaultSkew,
		now:  time.Now,
	}
}

// New returns nil (signing disabled) when secret is empty, or a configured
// Signer otherwise — the idiom every call site in this repo uses.
func New(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return NewSigner(secret)
}

// Sign attaches a timestamp and HMAC signature covering method, path, and
// timestamp to an outbound request.
func (s *Signer) Sign(req *http.Request) {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set(timestampHeader, ts)
	req.Header.Set(signatureHeader, s.sign(req.Method, req.URL.Path, ts))
}

// Verify checks an inbound request's signature and timestamp freshness.
func (s *Signer) Verify(req *http.Request) error {
	ts := req.Header.Get(timestampHeader)
	sig := req.Header.Get(signatureHeader)
	if ts == "" || sig == "" {
		return fmt.Errorf("missing signature headers")
	}

	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp header: %w", err)
	}
	age := s.now().Sub(time.Unix(seconds, 0))
	if age < 0 {
		age = -age
	}
	if age > s.skew {
		return fmt.Errorf("signature timestamp outside allowed skew")
	}

	want := s.sign(req.Method, req.URL.Path, ts)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (s *Signer) sign(method, path, timestamp string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(method))
	mac.Write([]byte{0})
	mac.Write([]byte(path))
	mac.Write([]byte{0})
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}
