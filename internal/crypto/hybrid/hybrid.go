// Package hybrid implements the RSA key exchange and the per-session AES
// envelope used on every frame after the handshake.
package hybrid

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the length of the client-chosen AES-256 session key.
	SessionKeySize = 32
	// DefaultRSABits is the asymmetric key size used when none is configured.
	DefaultRSABits = 2048

	ivSize  = aes.BlockSize
	tagSize = sha256.Size
)

var (
	ErrKeyExchange = errors.New("key exchange failed")
	ErrDecryption  = errors.New("decryption failed")
)

var hkdfInfo = []byte("classchat session v1")

// KeyPair is the server's asymmetric identity for one process lifetime.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair creates an RSA key pair using the provided source of randomness.
func GenerateKeyPair(r io.Reader, bits int) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	if bits == 0 {
		bits = DefaultRSABits
	}
	priv, err := rsa.GenerateKey(r, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicKeyPEM returns the public key as base64 of its PEM (SubjectPublicKeyInfo) block.
func (k *KeyPair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return base64.StdEncoding.EncodeToString(block), nil
}

// ParsePublicKeyPEM is the client-side inverse of PublicKeyPEM.
func ParsePublicKeyPEM(encoded string) (*rsa.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key: %v", ErrKeyExchange, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: no PEM public key block", ErrKeyExchange)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrKeyExchange, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrKeyExchange, parsed)
	}
	return pub, nil
}

// NewSessionKey draws a fresh random session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// EncryptSessionKey wraps a session key with RSA-OAEP(SHA-256) for transport.
func EncryptSessionKey(pub *rsa.PublicKey, sessionKey []byte) (string, error) {
	if len(sessionKey) != SessionKeySize {
		return "", fmt.Errorf("session key must be %d bytes (got %d)", SessionKeySize, len(sessionKey))
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return "", fmt.Errorf("encrypt session key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// ExchangeSessionKey recovers the client's session key with the server private key.
func ExchangeSessionKey(encrypted string, priv *rsa.PrivateKey) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrKeyExchange, err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}
	if len(key) != SessionKeySize {
		zeroBytes(key)
		return nil, fmt.Errorf("%w: session key must be %d bytes (got %d)", ErrKeyExchange, SessionKeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext as base64(IV || AES-CBC(PKCS#7(plaintext)) || HMAC-SHA256).
// The IV is fresh for every call.
func Encrypt(plaintext, sessionKey []byte) (string, error) {
	encKey, macKey, err := deriveKeys(sessionKey)
	if err != nil {
		return "", err
	}
	defer zeroBytes(encKey)
	defer zeroBytes(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, ivSize+len(padded), ivSize+len(padded)+tagSize)
	iv := out[:ivSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(out)
	out = mac.Sum(out)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt. Any format, tag or padding
// mismatch yields ErrDecryption.
func Decrypt(envelope string, sessionKey []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrDecryption, err)
	}
	if len(raw) < ivSize+aes.BlockSize+tagSize {
		return nil, fmt.Errorf("%w: envelope too short", ErrDecryption)
	}
	body, tag := raw[:len(raw)-tagSize], raw[len(raw)-tagSize:]
	if (len(body)-ivSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrDecryption)
	}

	encKey, macKey, err := deriveKeys(sessionKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(encKey)
	defer zeroBytes(macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrDecryption)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain := make([]byte, len(body)-ivSize)
	cipher.NewCBCDecrypter(block, body[:ivSize]).CryptBlocks(plain, body[ivSize:])
	return unpad(plain, aes.BlockSize)
}

// deriveKeys splits the session key into independent cipher and MAC keys.
func deriveKeys(sessionKey []byte) ([]byte, []byte, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, nil, fmt.Errorf("session key must be %d bytes (got %d)", SessionKeySize, len(sessionKey))
	}
	reader := hkdf.New(sha256.New, sessionKey, nil, hkdfInfo)
	encKey := make([]byte, SessionKeySize)
	macKey := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, encKey); err != nil {
		return nil, nil, fmt.Errorf("derive cipher key: %w", err)
	}
	if _, err := io.ReadFull(reader, macKey); err != nil {
		zeroBytes(encKey)
		return nil, nil, fmt.Errorf("derive mac key: %w", err)
	}
	return encKey, macKey, nil
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%w: bad padded length", ErrDecryption)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
		}
	}
	return data[:len(data)-n], nil
}

// ZeroKey overwrites a session key in place.
func ZeroKey(key []byte) {
	zeroBytes(key)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
