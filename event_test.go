package nostrclient

import (
	"encoding/json"
	"testing"
)

func TestEventIDRoundtrip(t *testing.T) {
	original := &Event{
		PubKey:    "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		CreatedAt: 1764783557,
		Kind:      1,
		Tags: [][]string{
			{"t", "groupchat"},
			{"alt", "Test event"},
		},
		Content: `a note with <angle brackets> & ampersands`,
	}

	original.ID = ComputeEventID(original)

	// Serialize as the wire codec would and parse it back.
	jsonBytes, err := marshalEventJSON(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var parsed Event
	if err := json.Unmarshal(jsonBytes, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if got := ComputeEventID(&parsed); got != original.ID {
		t.Errorf("ID mismatch after roundtrip\n  original: %s\n  parsed:   %s", original.ID, got)
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	evt := &Event{
		CreatedAt: 1764783557,
		Kind:      1,
		Tags:      [][]string{{"t", "test"}},
		Content:   "hello",
	}
	if err := SignEvent(evt, key); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if evt.PubKey != PublicKeyHex(key) {
		t.Errorf("pubkey not filled in: %q", evt.PubKey)
	}
	if !VerifyEvent(evt) {
		t.Error("freshly signed event does not verify")
	}

	// Tampering must break verification.
	tampered := *evt
	tampered.Content = "goodbye"
	if VerifyEvent(&tampered) {
		t.Error("tampered event still verifies")
	}
}

func TestSignRejectsForeignPubkey(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	evt := &Event{
		PubKey:    "0000000000000000000000000000000000000000000000000000000000000001",
		CreatedAt: 1,
		Kind:      1,
	}
	if err := SignEvent(evt, key); err == nil {
		t.Error("expected error signing event with mismatched pubkey")
	}
}

func TestTagValue(t *testing.T) {
	evt := &Event{
		Tags: [][]string{
			{"e", "abc"},
			{"p", "def"},
			{"p", "ghi"},
		},
	}
	if got := evt.TagValue("p"); got != "def" {
		t.Errorf("TagValue(p) = %q, want def", got)
	}
	if got := evt.TagValue("missing"); got != "" {
		t.Errorf("TagValue(missing) = %q, want empty", got)
	}
}

func TestCloneTagsIsDeep(t *testing.T) {
	evt := &Event{Tags: [][]string{{"t", "a"}}}
	clone := evt.CloneTags()
	clone[0][1] = "b"
	if evt.Tags[0][1] != "a" {
		t.Error("CloneTags aliased the original tags")
	}
}
