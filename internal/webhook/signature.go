package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/versecraft/creditledger/pkg/ledger"
)

// ErrSignatureInvalid rejects an event that cannot be authenticated.
// The HTTP layer must answer with a 401-equivalent so the sender's
// retry logic redelivers; a rejected event is never dispatched.
var ErrSignatureInvalid = errors.New("signature invalid")

const signatureScheme = "v1"

// Verifier authenticates inbound payment events against the shared
// webhook secret.
type Verifier struct {
	secret []byte
}

// NewVerifier wires a Verifier.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: webhook secret is empty", ledger.ErrInvalidServiceConfig)
	}
	return &Verifier{secret: secret}, nil
}

// Verify recomputes the HMAC-SHA256 over "eventID.timestamp.body" and
// compares it in constant time against the v1 tags in the signature
// header. It must receive the exact raw bytes from the wire:
// re-serializing parsed JSON changes the bytes and breaks verification.
// No timestamp tolerance is enforced; a stale but authentic signature
// still verifies.
func (verifier *Verifier) Verify(eventID string, timestamp string, signature string, body []byte) error {
	if eventID == "" || timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing event id, timestamp, or signature", ErrSignatureInvalid)
	}
	expected := computeSignature(verifier.secret, eventID, timestamp, body)
	for _, tag := range strings.Fields(signature) {
		scheme, encoded, ok := strings.Cut(tag, ",")
		if !ok || scheme != signatureScheme {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if len(decoded) == len(expected) && hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// Sign produces the signature tag for an event. Exposed for the
// webhook simulator and tests.
func Sign(secret []byte, eventID string, timestamp string, body []byte) string {
	return signatureScheme + "," + base64.StdEncoding.EncodeToString(computeSignature(secret, eventID, timestamp, body))
}

func computeSignature(secret []byte, eventID string, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(eventID))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
