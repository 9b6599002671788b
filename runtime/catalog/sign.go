package catalog

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"

	"goa.design/nodekit/runtime/canonical"
)

// Fingerprint computes the SHA-256 hex digest of the canonical JSON encoding
// of the commands, sorted by id. Sorting makes the digest independent of the
// order commands were contributed or recovered from the cache index. The
// manager-assigned Publisher field is excluded so digests computed before and
// after caching agree.
func Fingerprint(commands []Command) (string, error) {
	sorted := make([]Command, len(commands))
	copy(sorted, commands)
	for i := range sorted {
		sorted[i].Publisher = ""
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return canonical.SHA256Hex(sorted)
}

// Sign fingerprints the commands and signs the digest with the ed25519
// private key. Returns the fingerprint and the base64 signature.
func Sign(priv ed25519.PrivateKey, commands []Command) (fingerprint, signature string, err error) {
	fp, err := Fingerprint(commands)
	if err != nil {
		return "", "", err
	}
	sig := ed25519.Sign(priv, []byte(fp))
	return fp, base64.StdEncoding.EncodeToString(sig), nil
}

// verifySignature checks that the base64 signature over the fingerprint
// verifies against the base64 public key.
func verifySignature(publicKeyB64, fingerprint, signatureB64 string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(fingerprint), sig) {
		return fmt.Errorf("ed25519 verification failed")
	}
	return nil
}
