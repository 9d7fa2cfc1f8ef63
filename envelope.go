package nostrclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// KindGroupEnvelope is the distinguished kind for encrypted group
// envelopes: an outer event whose content is a serialized ciphertext
// record wrapping an inner application event.
const KindGroupEnvelope = 445

// defaultGroupTagKey is the tag carrying the group identifier.
const defaultGroupTagKey = "h"

// CiphertextRecord is the serialized form a group cipher produces.
// Nonce and Ciphertext are base64 on the wire via encoding/json.
type CiphertextRecord struct {
	Epoch       uint64 `json:"epoch"`
	SenderIndex uint32 `json:"sender_index"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// GroupCipher is the group-encryption collaborator. The ratchet and key
// schedule behind it are a separate subsystem; this layer only moves
// bytes through it.
type GroupCipher interface {
	Encrypt(plaintext []byte) (*CiphertextRecord, error)
	Decrypt(record *CiphertextRecord) ([]byte, error)
}

// GroupResolver maps a group identifier to its cipher, or nil when the
// local party does not belong to the group.
type GroupResolver func(groupID string) GroupCipher

// EnvelopeConfig configures an EnvelopeCodec.
type EnvelopeConfig struct {
	Resolver GroupResolver

	// GroupTagKey is the tag key holding the group id on envelope events.
	// Defaults to "h".
	GroupTagKey string

	// AllowLegacyGroupTag additionally treats any 32- or 64-character hex
	// tag value as a group id when no explicit group tag is present.
	// Compatibility behavior only; new producers always set the group tag.
	AllowLegacyGroupTag bool

	Logger *slog.Logger
}

// EnvelopeCodec wraps outbound application events into encrypted envelopes
// and unwraps inbound ones, delegating cryptography to the resolver's
// group ciphers.
type EnvelopeCodec struct {
	resolve     GroupResolver
	groupTagKey string
	allowLegacy bool
	logger      *slog.Logger
}

func NewEnvelopeCodec(cfg EnvelopeConfig) *EnvelopeCodec {
	key := cfg.GroupTagKey
	if key == "" {
		key = defaultGroupTagKey
	}
	return &EnvelopeCodec{
		resolve:     cfg.Resolver,
		groupTagKey: key,
		allowLegacy: cfg.AllowLegacyGroupTag,
		logger:      loggerOrDefault(cfg.Logger),
	}
}

// IsEnvelope reports whether an event is an encrypted group envelope.
func (c *EnvelopeCodec) IsEnvelope(evt *Event) bool {
	return evt.Kind == KindGroupEnvelope
}

// GroupID extracts the group identifier from an envelope's tags.
func (c *EnvelopeCodec) GroupID(evt *Event) string {
	if id := evt.TagValue(c.groupTagKey); id != "" {
		return id
	}
	if c.allowLegacy {
		for _, tag := range evt.Tags {
			if len(tag) >= 2 && tag[0] != "p" && isHexID(tag[1]) {
				return tag[1]
			}
		}
	}
	return ""
}

// Wrap serializes the inner event, encrypts it for the group, and builds
// the outer envelope event. The envelope is returned unsigned; the caller
// signs it with its identity key before sending.
func (c *EnvelopeCodec) Wrap(inner *Event, groupID, recipientKey string) (*Event, error) {
	if c.resolve == nil {
		return nil, errors.New("no group resolver configured")
	}
	cipher := c.resolve(groupID)
	if cipher == nil {
		return nil, fmt.Errorf("unknown group %q", groupID)
	}

	plaintext, err := marshalEventJSON(inner)
	if err != nil {
		return nil, fmt.Errorf("serialize inner event: %w", err)
	}

	record, err := cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt for group %q: %w", groupID, err)
	}

	content, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("serialize ciphertext record: %w", err)
	}

	return &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindGroupEnvelope,
		Content:   string(content),
		Tags: [][]string{
			{"p", recipientKey},
			{c.groupTagKey, groupID},
		},
	}, nil
}

// Unwrap is the inverse of Wrap. It never returns an error: envelopes for
// groups the local party does not belong to are routinely received on
// public relays, so resolution and decryption failures are expected and
// silent. Structurally malformed envelopes are logged but still resolve to
// nil so one bad envelope cannot abort processing of its batch.
func (c *EnvelopeCodec) Unwrap(envelope *Event) *Event {
	if !c.IsEnvelope(envelope) || c.resolve == nil {
		return nil
	}

	groupID := c.GroupID(envelope)
	if groupID == "" {
		return nil
	}

	cipher := c.resolve(groupID)
	if cipher == nil {
		// Not a member of this group.
		return nil
	}

	var record CiphertextRecord
	if err := json.Unmarshal([]byte(envelope.Content), &record); err != nil {
		decryptFailuresTotal.Add(1)
		c.logger.Warn("malformed ciphertext record",
			"event_id", envelope.ID, "group", groupID, "error", err)
		return nil
	}

	plaintext, err := cipher.Decrypt(&record)
	if err != nil {
		decryptFailuresTotal.Add(1)
		c.logger.Debug("envelope decryption failed",
			"event_id", envelope.ID, "group", groupID, "error", err)
		return nil
	}

	var inner Event
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		c.logger.Warn("envelope plaintext is not an event",
			"event_id", envelope.ID, "group", groupID, "error", err)
		return nil
	}

	envelopesUnwrapped.Add(1)
	return &inner
}

// isHexID reports whether s looks like a 32- or 64-character hex
// identifier, the shape the legacy group-tag heuristic matched on.
func isHexID(s string) bool {
	if len(s) != 32 && len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
