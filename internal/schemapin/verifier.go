package schemapin

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// CanonicalizeSchema produces the canonical byte encoding of a JSON
// schema: object keys sorted lexicographically at every level, no
// insignificant whitespace, UTF-8. Canonicalization is a fixed point:
// re-serializing the output yields the same bytes.
func CanonicalizeSchema(schema []byte) ([]byte, error) {
	var value any
	if err := json.Unmarshal(schema, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchemaJSON, err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, value); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, v[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil

	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil

	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(data)
		return nil
	}
}

// SchemaHash returns the hex SHA-256 of the canonical schema encoding.
func SchemaHash(schema []byte) (string, error) {
	canonical, err := CanonicalizeSchema(schema)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verifier checks ES256 signatures on tool schemas.
type Verifier struct{}

// NewVerifier returns a schema signature verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifySchema verifies a base64 ES256 signature over the schema
// against the expected PEM public key.
//
// Writers sign the SHA-256 of the canonical schema hash; for
// compatibility the reader also accepts signatures computed directly
// over the canonical bytes.
func (v *Verifier) VerifySchema(schema []byte, signatureB64, publicKeyPEM string) error {
	canonical, err := CanonicalizeSchema(schema)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignatureEncoding, err)
	}

	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}

	canonicalDigest := sha256.Sum256(canonical)
	if verifyECDSA(pub, canonicalDigest[:], sig) {
		return nil
	}

	hashHex := hex.EncodeToString(canonicalDigest[:])
	hashDigest := sha256.Sum256([]byte(hashHex))
	if verifyECDSA(pub, hashDigest[:], sig) {
		return nil
	}

	return ErrSignatureMismatch
}

// SignSchema signs the canonical schema hash with the private key and
// returns a base64 ASN.1 signature. This is the writer path; reading
// code must keep accepting both encodings above.
func SignSchema(schema []byte, key *ecdsa.PrivateKey) (string, error) {
	canonical, err := CanonicalizeSchema(schema)
	if err != nil {
		return "", err
	}
	canonicalDigest := sha256.Sum256(canonical)
	hashHex := hex.EncodeToString(canonicalDigest[:])
	digest := sha256.Sum256([]byte(hashHex))

	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign schema: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ParsePublicKey parses a PEM-encoded ECDSA P-256 public key.
func ParsePublicKey(publicKeyPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not an ECDSA P-256 key", ErrInvalidPublicKey)
	}
	return pub, nil
}

// Fingerprint returns the hex SHA-256 of a PEM public key's DER bytes.
func Fingerprint(publicKeyPEM string) (string, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return "", ErrInvalidPublicKey
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// verifyECDSA accepts ASN.1 DER signatures and raw 64-byte r||s.
func verifyECDSA(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if ecdsa.VerifyASN1(pub, digest, sig) {
		return true
	}
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		return ecdsa.Verify(pub, digest, r, s)
	}
	return false
}
