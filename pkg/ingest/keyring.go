// Package ingest is the webhook front door. Vendors POST normalized
// events signed with HMAC-SHA256 over the raw body; the receiver
// verifies the signature against a key derived for that vendor, parses
// and validates the envelope, and hands accepted events to the fusion
// pipeline. A missing or wrong signature is rejected with an audit
// entry before the body is ever parsed.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// SignatureHeader carries the vendor's HMAC over the raw request body,
// hex encoded with an optional "sha256=" prefix.
const SignatureHeader = "X-Vigil-Signature"

const (
	keyringSalt = "vigil-webhook-kdf"
	keySize     = 32
)

// Keyring derives per-vendor webhook keys from one master seed with
// HKDF-SHA256, the vendor name as the info input. Each vendor gets a
// distinct, deterministic key, and rotating the seed rotates them all.
type Keyring struct {
	master []byte
}

// NewKeyring builds a keyring over the master seed.
func NewKeyring(seed string) (*Keyring, error) {
	if seed == "" {
		return nil, fault.New(fault.Validation, "ingest.keyring", "master seed is required")
	}
	return &Keyring{master: []byte(seed)}, nil
}

// Key returns the vendor's 32-byte HMAC key.
func (k *Keyring) Key(vendor string) ([]byte, error) {
	if vendor == "" {
		return nil, fault.New(fault.Validation, "ingest.keyring", "vendor is required")
	}
	r := hkdf.New(sha256.New, k.master, []byte(keyringSalt), []byte(vendor))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fault.Wrap(fault.Permanent, "ingest.keyring", err)
	}
	return key, nil
}

// Sign computes the signature a vendor would send for body, in the
// "sha256=<hex>" form.
func (k *Keyring) Sign(vendor string, body []byte) (string, error) {
	key, err := k.Key(vendor)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature against the vendor's key over body. The
// "sha256=" prefix is optional; comparison is constant time. A missing
// or malformed signature is a validation fault, a well-formed signature
// that does not match is a policy fault.
func (k *Keyring) Verify(vendor string, body []byte, signature string) error {
	const op = "ingest.verify"
	if signature == "" {
		return fault.New(fault.Validation, op, "signature is required")
	}
	hexSig := strings.TrimPrefix(signature, "sha256=")
	sent, err := hex.DecodeString(hexSig)
	if err != nil {
		return fault.New(fault.Validation, op, "signature is not valid hex")
	}

	key, err := k.Key(vendor)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(sent, mac.Sum(nil)) {
		return fault.New(fault.Policy, op, "signature mismatch")
	}
	return nil
}
