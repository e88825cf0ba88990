// Package keys handles the client-side asymmetric keypair and per-message
// payload encryption. Only the public half ever leaves the process; the
// relay sees base64 ciphertext and nothing else.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const keyBits = 2048

var (
	// ErrPlaintextTooLarge means the message exceeds the OAEP block limit
	// for the recipient's key. There is no chunking; senders must cap size.
	ErrPlaintextTooLarge = errors.New("keys: plaintext exceeds encryption block limit")

	// ErrDecrypt is a local, non-fatal failure: corrupt ciphertext or a
	// message encrypted for a different key.
	ErrDecrypt = errors.New("keys: cannot decrypt payload")
)

// Pair is an account's local keypair.
type Pair struct {
	priv *rsa.PrivateKey
}

// Generate creates a fresh keypair.
func Generate() (*Pair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return &Pair{priv: priv}, nil
}

// LoadOrCreate reads a PEM keypair from path, generating and persisting one
// (mode 0600) if the file does not exist.
func LoadOrCreate(path string) (*Pair, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		pair, err := Generate()
		if err != nil {
			return nil, err
		}
		block := &pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(pair.priv),
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			return nil, fmt.Errorf("keys: persist keypair: %w", err)
		}
		return pair, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read keypair: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("keys: %s is not a PEM private key", path)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse keypair: %w", err)
	}
	return &Pair{priv: priv}, nil
}

// PublicPEM exports the public half for the presence envelope.
func (p *Pair) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&p.priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("keys: export public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicPEM parses a peer's exported public key.
func ParsePublicPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("keys: not a PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("keys: not an RSA public key")
	}
	return rsaPub, nil
}

// MaxPlaintext returns the OAEP block limit for a recipient key.
func MaxPlaintext(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Encrypt OAEP-encrypts plaintext for pub and base64-encodes the result for
// the envelope payload field.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) (string, error) {
	if len(plaintext) > MaxPlaintext(pub) {
		return "", ErrPlaintextTooLarge
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("keys: encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt with the local private key.
func (p *Pair) Decrypt(payload string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", ErrDecrypt)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, p.priv, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
