package nostrclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is one parsed inbound relay message. The wire format is a JSON
// array whose first element names the message type; we convert it into a
// closed set of variants at the codec boundary so nothing downstream has
// to deal with loosely typed arrays.
type Frame interface {
	frameType() string
}

// EventFrame carries one event for a subscription: ["EVENT", subID, event].
type EventFrame struct {
	SubID string
	Event Event
}

// EoseFrame is the end-of-stored-events marker: ["EOSE", subID].
type EoseFrame struct {
	SubID string
}

// NoticeFrame is a human-readable relay message: ["NOTICE", message].
type NoticeFrame struct {
	Message string
}

// OkFrame is the relay's accept/reject response to a published event:
// ["OK", eventID, success, message].
type OkFrame struct {
	EventID string
	Success bool
	Message string
}

func (EventFrame) frameType() string  { return "EVENT" }
func (EoseFrame) frameType() string   { return "EOSE" }
func (NoticeFrame) frameType() string { return "NOTICE" }
func (OkFrame) frameType() string     { return "OK" }

var errUnknownFrame = errors.New("unknown frame type")

// ParseFrame decodes a single inbound text frame. Unknown frame types
// return errUnknownFrame; callers log and skip, a bad frame never aborts
// the read loop.
func ParseFrame(data []byte) (Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(raw) < 2 {
		return nil, errors.New("frame too short")
	}

	var verb string
	if err := json.Unmarshal(raw[0], &verb); err != nil {
		return nil, fmt.Errorf("frame verb is not a string: %w", err)
	}

	switch verb {
	case "EVENT":
		if len(raw) < 3 {
			return nil, errors.New("EVENT frame missing event object")
		}
		var f EventFrame
		if err := json.Unmarshal(raw[1], &f.SubID); err != nil {
			return nil, fmt.Errorf("EVENT frame bad subscription id: %w", err)
		}
		if err := json.Unmarshal(raw[2], &f.Event); err != nil {
			return nil, fmt.Errorf("EVENT frame bad event: %w", err)
		}
		return f, nil

	case "EOSE":
		var f EoseFrame
		if err := json.Unmarshal(raw[1], &f.SubID); err != nil {
			return nil, fmt.Errorf("EOSE frame bad subscription id: %w", err)
		}
		return f, nil

	case "NOTICE":
		var f NoticeFrame
		if err := json.Unmarshal(raw[1], &f.Message); err != nil {
			return nil, fmt.Errorf("NOTICE frame bad message: %w", err)
		}
		return f, nil

	case "OK":
		if len(raw) < 3 {
			return nil, errors.New("OK frame too short")
		}
		var f OkFrame
		if err := json.Unmarshal(raw[1], &f.EventID); err != nil {
			return nil, fmt.Errorf("OK frame bad event id: %w", err)
		}
		if err := json.Unmarshal(raw[2], &f.Success); err != nil {
			return nil, fmt.Errorf("OK frame bad success flag: %w", err)
		}
		if len(raw) >= 4 {
			// Message is optional, ignore a malformed one.
			json.Unmarshal(raw[3], &f.Message)
		}
		return f, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrame, verb)
	}
}

// encodeFrame marshals an outbound frame without HTML escaping.
func encodeFrame(elements ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(elements); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodeReq builds ["REQ", subID, filter].
func EncodeReq(subID string, filter Filter) ([]byte, error) {
	return encodeFrame("REQ", subID, filter.wireFilter())
}

// EncodeClose builds ["CLOSE", subID].
func EncodeClose(subID string) ([]byte, error) {
	return encodeFrame("CLOSE", subID)
}

// EncodeEvent builds ["EVENT", event].
func EncodeEvent(event *Event) ([]byte, error) {
	return encodeFrame("EVENT", event)
}
