package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// wireRequest is the on-the-wire shape of every inbound frame: a type tag
// plus the union of fields any variant might carry. DisallowUnknownFields
// below means a frame with fields outside this set is a decode error, not
// a silently-ignored typo.
type wireRequest struct {
	Type    string     `json:"type"`
	Serial  uint64     `json:"serial,omitempty"`
	Text    string     `json:"text,omitempty"`
	Key     *ScopedKey `json:"key,omitempty"`
	ID      uint64     `json:"id,omitempty"`
	Line    string     `json:"line,omitempty"`
	Level   int        `json:"level,omitempty"`
	Command string     `json:"command,omitempty"`
}

// DecodeRequest parses one inbound JSON frame into a Request variant,
// discarding its serial. Unknown "type" values and malformed field
// combinations are ParseFailure-shaped errors (spec.md §7): the caller's
// job is to reject the frame, not to crash the dispatcher over it.
func DecodeRequest(data []byte) (Request, error) {
	_, req, err := DecodeFrame(data)
	return req, err
}

// DecodeFrame is DecodeRequest plus the client-assigned serial correlation
// token the ServerRequest tuple carries (spec.md §3). Transport
// implementations use this directly; DecodeRequest exists for callers
// (and tests) that don't need the serial.
func DecodeFrame(data []byte) (serial uint64, req Request, err error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		return 0, nil, fmt.Errorf("protocol: decode request: %w", err)
	}

	req, err = decodeVariant(w)
	return w.Serial, req, err
}

func decodeVariant(w wireRequest) (Request, error) {
	switch w.Type {
	case "ListenToEvents":
		return ListenToEvents{}, nil
	case "ListenToBuildChange":
		return ListenToBuildChange{}, nil
	case "ClientClosed":
		return ClientClosed{}, nil
	case "KeyLookup":
		return KeyLookup{Text: w.Text}, nil
	case "ListenToValue":
		if w.Key == nil {
			return nil, fmt.Errorf("protocol: ListenToValue frame missing key")
		}
		return ListenToValue{Key: *w.Key}, nil
	case "CommandCompletions":
		return CommandCompletions{ID: w.ID, Line: w.Line, Level: w.Level}, nil
	case "Execution":
		if w.Command == "" {
			return nil, fmt.Errorf("protocol: Execution frame missing command")
		}
		return Execution{Command: w.Command}, nil
	case "Cancel":
		return Cancel{}, nil
	default:
		return nil, fmt.Errorf("protocol: unrecognized request type %q", w.Type)
	}
}

// EncodeResponse marshals a reply payload as a tagged JSON frame carrying
// the serial it correlates with. v must be one of the Response variants
// in responses.go (or a build-engine-supplied build structure, for
// ListenToBuildChange's reply).
func EncodeResponse(serial uint64, v any) ([]byte, error) {
	return encodeTagged(v, map[string]any{"serial": serial})
}

// EncodeEvent marshals a broadcast Event as a tagged JSON frame. Events
// carry no serial; they are not replies to any one request.
func EncodeEvent(v Event) ([]byte, error) {
	return encodeTagged(v, nil)
}

// encodeTagged flattens v's fields into a map, adds a "type" tag derived
// from v's Go type name, merges in extra (e.g. "serial"), and marshals the
// result. This keeps the envelope concrete and type-tagged without each
// variant needing its own MarshalJSON override.
func encodeTagged(v any, extra map[string]any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}

	fields := map[string]any{}
	if len(body) > 0 && string(body) != "null" {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("protocol: payload is not a JSON object: %w", err)
		}
	}
	for k, val := range extra {
		fields[k] = val
	}
	fields["type"] = typeName(v)

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal frame: %w", err)
	}
	return out, nil
}

func typeName(v any) string {
	name := fmt.Sprintf("%T", v)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
