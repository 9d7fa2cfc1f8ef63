package nostrclient

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event is a single relay event. Events are immutable once constructed:
// anything that transforms an event (decryption, re-signing) builds a new
// value instead of mutating in place.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValue returns the first value of the first tag with the given key,
// or "" if no such tag exists.
func (e *Event) TagValue(key string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

// CloneTags returns a deep copy of the event's tags so callers can build
// derived events without aliasing the original.
func (e *Event) CloneTags() [][]string {
	if e.Tags == nil {
		return nil
	}
	tags := make([][]string, len(e.Tags))
	for i, tag := range e.Tags {
		tags[i] = append([]string(nil), tag...)
	}
	return tags
}

// ComputeEventID returns the content-derived event identifier: the SHA256 of
// the canonical JSON serialization [0, pubkey, created_at, kind, tags, content].
//
// IMPORTANT: We must NOT escape HTML characters (<, >, &) because relays
// expect unescaped JSON. Go's json.Marshal escapes these by default, so we
// use json.Encoder with SetEscapeHTML(false).
func ComputeEventID(event *Event) string {
	serialized := []interface{}{
		0,
		event.PubKey,
		event.CreatedAt,
		event.Kind,
		event.Tags,
		event.Content,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.Encode(serialized)

	// Encoder.Encode adds a trailing newline, remove it
	jsonBytes := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:])
}

// marshalEventJSON serializes an event without HTML escaping, matching the
// form relays expect on the wire.
func marshalEventJSON(event *Event) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(event); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// SignEvent fills in ID and Sig on the event using the given private key.
// PubKey is set from the key if empty.
func SignEvent(event *Event, privKey *btcec.PrivateKey) error {
	pub := hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey()))
	if event.PubKey == "" {
		event.PubKey = pub
	} else if event.PubKey != pub {
		return errors.New("event pubkey does not match signing key")
	}

	event.ID = ComputeEventID(event)
	idBytes, err := hex.DecodeString(event.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return err
	}
	event.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// VerifyEvent checks that the event's ID matches its contents and that the
// signature is valid for the author's pubkey.
func VerifyEvent(event *Event) bool {
	if ComputeEventID(event) != event.ID {
		return false
	}

	idBytes, err := hex.DecodeString(event.ID)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(event.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(event.PubKey)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	return sig.Verify(idBytes, pubKey)
}

// GeneratePrivateKey generates a new random secp256k1 private key.
func GeneratePrivateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// PublicKeyHex returns the x-only (BIP-340) public key for a private key,
// hex encoded.
func PublicKeyHex(privKey *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey()))
}

// ParsePrivateKey parses a hex-encoded secp256k1 private key.
func ParsePrivateKey(hexKey string) (*btcec.PrivateKey, error) {
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.New("private key is not valid hex")
	}
	if len(keyBytes) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	privKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	return privKey, nil
}
