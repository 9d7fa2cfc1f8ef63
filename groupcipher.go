package nostrclient

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// StaticGroupCipher is a GroupCipher over a fixed 32-byte group secret
// using ChaCha20-Poly1305 with a per-epoch derived key. It stands in for
// the full group-encryption engine in tests, tools, and simple
// deployments; the ratcheting engine lives outside this module and only
// needs to satisfy the GroupCipher interface.
type StaticGroupCipher struct {
	secret      [32]byte
	epoch       uint64
	senderIndex uint32
}

// NewStaticGroupCipher builds a cipher from a 32-byte group secret.
func NewStaticGroupCipher(secret []byte, epoch uint64, senderIndex uint32) (*StaticGroupCipher, error) {
	if len(secret) != 32 {
		return nil, errors.New("group secret must be 32 bytes")
	}
	c := &StaticGroupCipher{epoch: epoch, senderIndex: senderIndex}
	copy(c.secret[:], secret)
	return c, nil
}

// epochKey derives the AEAD key for an epoch from the group secret.
func (c *StaticGroupCipher) epochKey(epoch uint64) ([]byte, error) {
	info := fmt.Sprintf("group-epoch-%d", epoch)
	reader := hkdf.New(sha256.New, c.secret[:], nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (c *StaticGroupCipher) Encrypt(plaintext []byte) (*CiphertextRecord, error) {
	key, err := c.epochKey(c.epoch)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &CiphertextRecord{
		Epoch:       c.epoch,
		SenderIndex: c.senderIndex,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

func (c *StaticGroupCipher) Decrypt(record *CiphertextRecord) ([]byte, error) {
	key, err := c.epochKey(record.Epoch)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(record.Nonce) != aead.NonceSize() {
		return nil, errors.New("bad nonce length")
	}
	return aead.Open(nil, record.Nonce, record.Ciphertext, nil)
}

// GroupKeyring is a GroupResolver over a mutable set of group ciphers.
type GroupKeyring struct {
	mu      sync.RWMutex
	ciphers map[string]GroupCipher
}

func NewGroupKeyring() *GroupKeyring {
	return &GroupKeyring{ciphers: make(map[string]GroupCipher)}
}

// Add registers (or replaces) the cipher for a group.
func (k *GroupKeyring) Add(groupID string, cipher GroupCipher) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ciphers[groupID] = cipher
}

// Remove drops a group's cipher, e.g. after leaving the group.
func (k *GroupKeyring) Remove(groupID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.ciphers, groupID)
}

// Resolve satisfies GroupResolver.
func (k *GroupKeyring) Resolve(groupID string) GroupCipher {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.ciphers[groupID]
}
