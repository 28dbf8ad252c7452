package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/conductor/pkg/hash"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrKeyNotFound is permanent: the operation fails and the error surfaces to
// the caller. Everything else coming out of a keystore is treated as
// transient and retried by callers.
var ErrKeyNotFound = errors.New("key not found in keystore")

// Keystore holds agent signing keys and symmetric secrets. Modeled as an
// external service: callers treat errors other than ErrKeyNotFound as
// transient. This in-process implementation is safe for concurrent use.
type Keystore struct {
	mu      sync.RWMutex
	keys    map[string]ed25519.PrivateKey // keyed by agent hash string
	secrets map[string]*[32]byte          // shared secrets by tag
}

// New creates an empty in-process keystore.
func New() *Keystore {
	return &Keystore{
		keys:    make(map[string]ed25519.PrivateKey),
		secrets: make(map[string]*[32]byte),
	}
}

// GenerateAgentKey creates a fresh ed25519 keypair and returns the agent
// hash wrapping the public key.
func (k *Keystore) GenerateAgentKey() (hash.Hash, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("failed to generate agent key: %w", err)
	}
	agent := hash.FromDigest(hash.KindAgent, pub)

	k.mu.Lock()
	k.keys[agent.String()] = priv
	k.mu.Unlock()

	return agent, nil
}

// Sign signs data with the agent's private key.
func (k *Keystore) Sign(agent hash.Hash, data []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.keys[agent.String()]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, agent)
	}
	return ed25519.Sign(priv, data), nil
}

// Verify checks a signature against an agent's public key. Verification
// needs no private material, so it works for any agent.
func Verify(agent hash.Hash, data, sig []byte) bool {
	pub := agent.Digest()
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

// HasKey reports whether the keystore can sign for the agent.
func (k *Keystore) HasKey(agent hash.Hash) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[agent.String()]
	return ok
}

// CreateSharedSecret generates a symmetric secret under the given tag for
// secretbox operations.
func (k *Keystore) CreateSharedSecret(tag string) error {
	var secret [32]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return fmt.Errorf("failed to generate shared secret: %w", err)
	}
	k.mu.Lock()
	k.secrets[tag] = &secret
	k.mu.Unlock()
	return nil
}

// SecretboxEncrypt seals data with the tagged shared secret, nonce
// prepended.
func (k *Keystore) SecretboxEncrypt(tag string, plaintext []byte) ([]byte, error) {
	k.mu.RLock()
	secret, ok := k.secrets[tag]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: shared secret %q", ErrKeyNotFound, tag)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, secret), nil
}

// SecretboxDecrypt opens data sealed by SecretboxEncrypt.
func (k *Keystore) SecretboxDecrypt(tag string, ciphertext []byte) ([]byte, error) {
	k.mu.RLock()
	secret, ok := k.secrets[tag]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: shared secret %q", ErrKeyNotFound, tag)
	}
	if len(ciphertext) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	out, ok := secretbox.Open(nil, ciphertext[24:], &nonce, secret)
	if !ok {
		return nil, fmt.Errorf("failed to open secretbox")
	}
	return out, nil
}

// BoxKeypair is an X25519 keypair for box encryption between agents.
type BoxKeypair struct {
	Public  [32]byte
	private [32]byte
}

// GenerateBoxKeypair creates an X25519 keypair and retains the private half.
func (k *Keystore) GenerateBoxKeypair(tag string) (*BoxKeypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate box keypair: %w", err)
	}
	kp := &BoxKeypair{Public: *pub, private: *priv}
	k.mu.Lock()
	k.secrets["box:"+tag] = priv
	k.mu.Unlock()
	return kp, nil
}

// BoxEncrypt seals for a recipient public key using the tagged sender key,
// nonce prepended.
func (k *Keystore) BoxEncrypt(senderTag string, recipient [32]byte, plaintext []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.secrets["box:"+senderTag]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: box key %q", ErrKeyNotFound, senderTag)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return box.Seal(nonce[:], plaintext, &nonce, &recipient, priv), nil
}

// BoxDecrypt opens a box from a sender public key using the tagged recipient
// key.
func (k *Keystore) BoxDecrypt(recipientTag string, sender [32]byte, ciphertext []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.secrets["box:"+recipientTag]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: box key %q", ErrKeyNotFound, recipientTag)
	}
	if len(ciphertext) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	out, ok := box.Open(nil, ciphertext[24:], &nonce, &sender, priv)
	if !ok {
		return nil, fmt.Errorf("failed to open box")
	}
	return out, nil
}
