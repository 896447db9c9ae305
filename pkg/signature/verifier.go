// Package signature authenticates inbound command requests against the
// controller's RSA public key.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"strings"

	// Register digests selectable through SIGNATURE_HASH.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/morezero/hostagent/pkg/protocol"
)

const logPrefix = "signature:verifier"

var (
	// ErrNoKey is returned when the verifier has no key material.
	ErrNoKey = errors.New("no trusted key configured")
	// ErrNoSignature is returned for requests without a signature.
	ErrNoSignature = errors.New("request is not signed")
	// ErrBadSignature is returned when the signature does not match the request.
	ErrBadSignature = errors.New("signature does not match request")
)

// Canonical builds the string a request signature covers:
//
//	bare(from) "::" bare(to) "::" command "::" (name ":" value ":")*
//
// with arguments in sorted name order.
func Canonical(req *protocol.CommandRequest) string {
	var b strings.Builder
	b.WriteString(protocol.BareIdentity(req.From))
	b.WriteString("::")
	b.WriteString(protocol.BareIdentity(req.To))
	b.WriteString("::")
	b.WriteString(req.Command)
	b.WriteString("::")

	names := make([]string, 0, len(req.Arguments))
	for name := range req.Arguments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(req.Arguments[name])
		b.WriteByte(':')
	}
	return b.String()
}

// Verifier checks PKCS#1 v1.5 signatures over the canonical request string.
type Verifier struct {
	key  *rsa.PublicKey
	hash crypto.Hash
}

// NewVerifier creates a Verifier for key using the named digest (sha1, sha256, sha512).
func NewVerifier(key *rsa.PublicKey, hashName string) (*Verifier, error) {
	h, err := ParseHash(hashName)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, ErrNoKey)
	}
	return &Verifier{key: key, hash: h}, nil
}

// Check verifies req and reports why it failed. It has no side effects.
func (v *Verifier) Check(req *protocol.CommandRequest) error {
	if v == nil || v.key == nil {
		return ErrNoKey
	}
	if req == nil || len(req.Signature) == 0 {
		return ErrNoSignature
	}
	digest := hashOf(v.hash, Canonical(req))
	if err := rsa.VerifyPKCS1v15(v.key, v.hash, digest, req.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// Verify reports whether req carries a valid signature.
func (v *Verifier) Verify(req *protocol.CommandRequest) bool {
	return v.Check(req) == nil
}

// Sign signs req with priv and stores the signature on the request.
func Sign(priv *rsa.PrivateKey, hashName string, req *protocol.CommandRequest) error {
	h, err := ParseHash(hashName)
	if err != nil {
		return err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, h, hashOf(h, Canonical(req)))
	if err != nil {
		return fmt.Errorf("%s - sign %s: %w", logPrefix, req.Command, err)
	}
	req.Signature = sig
	return nil
}

// ParseHash maps a SIGNATURE_HASH value to a crypto.Hash.
func ParseHash(name string) (crypto.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha1":
		return crypto.SHA1, nil
	case "", "sha256":
		return crypto.SHA256, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%s - unsupported signature hash %q", logPrefix, name)
}

func hashOf(h crypto.Hash, s string) []byte {
	d := h.New()
	d.Write([]byte(s))
	return d.Sum(nil)
}
