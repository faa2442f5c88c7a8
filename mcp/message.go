package mcp

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is the json-iterator configuration used for every wire-level
// encode/decode in this package. It is API-compatible with encoding/json
// but avoids its reflection overhead on the request/response hot path.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is jsoniter's deferred-decoding byte slice, aliased here
// because the json identifier above is a value (the codec), not the
// package, so it cannot itself supply a type.
type RawMessage = jsoniter.RawMessage

const jsonrpcVersion = "2.0"

// Kind discriminates the four message variants a frame may decode to.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
	KindError
)

// ID is the opaque JSON-RPC request identifier: a string, an integer, or
// absent. The zero value is the absent id (valid only on notifications and
// on errors reporting a request that could not be parsed).
type ID struct {
	str    string
	num    int64
	isNum  bool
	isNull bool
	isSet  bool
}

// NewStringID builds a string-valued request id.
func NewStringID(s string) ID { return ID{str: s, isSet: true} }

// NewIntID builds an integer-valued request id.
func NewIntID(n int64) ID { return ID{num: n, isNum: true, isSet: true} }

// NullID is the explicit JSON `null` id used on errors for requests that
// could not be parsed at all.
func NullID() ID { return ID{isNull: true, isSet: true} }

// IsZero reports whether the id was never set (as opposed to explicit null).
func (id ID) IsZero() bool { return !id.isSet }

func (id ID) String() string {
	switch {
	case !id.isSet, id.isNull:
		return "<null>"
	case id.isNum:
		return fmt.Sprintf("%d", id.num)
	default:
		return id.str
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.isSet, id.isNull:
		return []byte("null"), nil
	case id.isNum:
		return json.Marshal(id.num)
	default:
		return json.Marshal(id.str)
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" || len(trimmed) == 0 {
		*id = ID{isNull: true, isSet: true}
		return nil
	}
	if len(trimmed) > 0 && (trimmed[0] == '"') {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = ID{str: s, isSet: true}
		return nil
	}
	var n int64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("mcp: id must be a string, integer, or null: %w", err)
	}
	*id = ID{num: n, isNum: true, isSet: true}
	return nil
}

// wireFrame is the superset JSON shape used to classify an incoming frame
// before it is decoded into one of the four concrete variants.
type wireFrame struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      *ID        `json:"id,omitempty"`
	Method  string     `json:"method,omitempty"`
	Params  RawMessage `json:"params,omitempty"`
	Result  RawMessage `json:"result,omitempty"`
	Error   *WireError `json:"error,omitempty"`
}

// WireError is the `error` member of a JSON-RPC error frame.
type WireError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Message is a single classified JSON-RPC frame. Exactly one of the typed
// accessors below is meaningful, selected by Kind.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params RawMessage
	Result RawMessage
	Error  *WireError
}

func (m Message) IsRequest() bool      { return m.Kind == KindRequest }
func (m Message) IsResponse() bool     { return m.Kind == KindResponse }
func (m Message) IsNotification() bool { return m.Kind == KindNotification }
func (m Message) IsError() bool        { return m.Kind == KindError }
func (m Message) IsInitialize() bool   { return m.Kind == KindRequest && m.Method == "initialize" }

// Decode classifies and parses a single JSON value or a JSON array (batch)
// into a list of Messages. It never returns a partially-decoded batch: if
// any element fails to classify, the whole call fails with ParseError or
// InvalidRequest so the caller can reply with a single error frame.
func Decode(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrKindParse, "empty body", nil)
	}

	if trimmed[0] == '[' {
		var raw []RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, NewError(ErrKindParse, err.Error(), nil)
		}
		if len(raw) == 0 {
			return nil, NewError(ErrKindInvalidRequest, "batch must not be empty", nil)
		}
		msgs := make([]Message, 0, len(raw))
		for _, elem := range raw {
			m, err := decodeOne(elem)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, m)
		}
		return msgs, nil
	}

	m, err := decodeOne(trimmed)
	if err != nil {
		return nil, err
	}
	return []Message{m}, nil
}

func decodeOne(data []byte) (Message, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, NewError(ErrKindParse, err.Error(), nil)
	}

	hasMethod := w.Method != ""
	hasResult := len(w.Result) > 0
	hasError := w.Error != nil

	switch {
	case hasMethod && w.ID != nil:
		return Message{Kind: KindRequest, ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case hasMethod && w.ID == nil:
		return Message{Kind: KindNotification, Method: w.Method, Params: w.Params}, nil
	case hasResult && hasError:
		return Message{}, NewError(ErrKindInvalidRequest, "response carries both result and error", nil)
	case hasResult && !hasError:
		if w.ID == nil {
			return Message{}, NewError(ErrKindInvalidRequest, "response missing id", nil)
		}
		return Message{Kind: KindResponse, ID: *w.ID, Result: w.Result}, nil
	case hasError:
		id := NullID()
		if w.ID != nil {
			id = *w.ID
		}
		return Message{Kind: KindError, ID: id, Error: w.Error}, nil
	default:
		return Message{}, NewError(ErrKindInvalidRequest, "frame is neither request, notification, response nor error", nil)
	}
}

// Encode serialises a single Message back to its wire form.
func Encode(m Message) ([]byte, error) {
	w := wireFrame{JSONRPC: jsonrpcVersion}
	switch m.Kind {
	case KindRequest:
		w.ID = &m.ID
		w.Method = m.Method
		w.Params = m.Params
	case KindNotification:
		w.Method = m.Method
		w.Params = m.Params
	case KindResponse:
		w.ID = &m.ID
		w.Result = m.Result
		if len(w.Result) == 0 {
			w.Result = RawMessage(`{}`)
		}
	case KindError:
		w.ID = &m.ID
		w.Error = m.Error
	default:
		return nil, fmt.Errorf("mcp: unknown message kind %d", m.Kind)
	}
	return json.Marshal(w)
}

// EncodeBatch serialises a batch of Messages as a JSON array, except that
// a one-element batch is encoded as that single object. A batch of
// only notifications is still a valid array; callers that must observe the
// "no response body" rule of §4.1 should check len(msgs) == 0 themselves
// before calling EncodeBatch.
func EncodeBatch(msgs []Message) ([]byte, error) {
	if len(msgs) == 1 {
		return Encode(msgs[0])
	}
	parts := make([]RawMessage, 0, len(msgs))
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			return nil, err
		}
		parts = append(parts, b)
	}
	return json.Marshal(parts)
}

// NewRequest builds a Request-kind Message.
func NewRequest(id ID, method string, params RawMessage) Message {
	return Message{Kind: KindRequest, ID: id, Method: method, Params: params}
}

// NewNotification builds a Notification-kind Message.
func NewNotification(method string, params RawMessage) Message {
	return Message{Kind: KindNotification, Method: method, Params: params}
}

// NewResponse builds a Response-kind Message.
func NewResponse(id ID, result RawMessage) Message {
	return Message{Kind: KindResponse, ID: id, Result: result}
}

// NewErrorMessage builds an Error-kind Message from a WireError.
func NewErrorMessage(id ID, werr *WireError) Message {
	return Message{Kind: KindError, ID: id, Error: werr}
}
