// Package linerpc implements a connection-oriented RPC transport that frames
// every message as one JSON object terminated by '\n'.
//
// There are two roles. An issuer (Client) sends commands one at a time and
// waits for the matching return or error; there are no request ids, so a
// connection never has more than one command in flight. A responder (Server)
// answers commands and may push notifications to the issuer at any time.
package linerpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single line. Larger frames tear the connection down.
const MaxFrameSize = 16 << 20

// Kind is the role of a frame, given by which key it carries.
type Kind int

const (
	KindCommand Kind = iota + 1
	KindReturn
	KindError
	KindNotify
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindReturn:
		return "return"
	case KindError:
		return "error"
	case KindNotify:
		return "notify"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one frame. Name is the command or notification name and is
// empty for returns and errors. Data holds the "data", "return" or "error"
// payload verbatim.
type Message struct {
	Kind Kind
	Name string
	Data json.RawMessage
}

// NewCommand builds a command frame, encoding data unless it is nil.
func NewCommand(name string, data any) (Message, error) {
	raw, err := encodePayload(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s data: %w", name, err)
	}
	return Message{Kind: KindCommand, Name: name, Data: raw}, nil
}

// NewNotify builds a notification frame.
func NewNotify(name string, data any) (Message, error) {
	raw, err := encodePayload(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s data: %w", name, err)
	}
	return Message{Kind: KindNotify, Name: name, Data: raw}, nil
}

// NewReturn builds a return frame. A nil value is sent as {}.
func NewReturn(v any) (Message, error) {
	if v == nil {
		return Message{Kind: KindReturn, Data: json.RawMessage(`{}`)}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode return: %w", err)
	}
	return Message{Kind: KindReturn, Data: raw}, nil
}

// NewError builds an error frame carrying reason as a JSON string.
func NewError(reason string) Message {
	raw, _ := json.Marshal(reason)
	return Message{Kind: KindError, Data: raw}
}

// ErrorText returns the reason of an error frame. Non-string payloads are
// returned as raw JSON text.
func (m Message) ErrorText() string {
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (m Message) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, 2)
	switch m.Kind {
	case KindCommand, KindNotify:
		if m.Name == "" {
			return nil, errors.New("linerpc: empty message name")
		}
		name, _ := json.Marshal(m.Name)
		obj[m.Kind.String()] = name
		if len(m.Data) > 0 {
			obj["data"] = m.Data
		}
	case KindReturn, KindError:
		data := m.Data
		if len(data) == 0 {
			data = json.RawMessage(`null`)
		}
		obj[m.Kind.String()] = data
	default:
		return nil, fmt.Errorf("linerpc: cannot encode %s", m.Kind)
	}
	return json.Marshal(obj)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj == nil {
		return errors.New("frame is not an object")
	}
	var found []Kind
	for _, k := range []Kind{KindCommand, KindReturn, KindError, KindNotify} {
		if _, ok := obj[k.String()]; ok {
			found = append(found, k)
		}
	}
	if len(found) != 1 {
		return fmt.Errorf("frame must carry exactly one of command/return/error/notify, got %d", len(found))
	}
	kind := found[0]
	*m = Message{Kind: kind}
	switch kind {
	case KindCommand, KindNotify:
		if err := json.Unmarshal(obj[kind.String()], &m.Name); err != nil || m.Name == "" {
			return fmt.Errorf("%s name must be a non-empty string", kind)
		}
		m.Data = obj["data"]
	default:
		m.Data = obj[kind.String()]
	}
	return nil
}

// Encoder writes newline-terminated frames. It is not safe for concurrent use.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = e.w.Write(b)
	return err
}

// Decoder reads newline-terminated frames. Blank lines are skipped.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode returns the next frame. A line that is not a valid frame yields a
// *ProtocolError and the stream stays usable; any other error is fatal.
func (d *Decoder) Decode() (Message, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return Message{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{}, &ProtocolError{Reason: err.Error(), Frame: truncate(line, 128)}
		}
		return m, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxFrameSize {
			return nil, fmt.Errorf("linerpc: frame exceeds %d bytes", MaxFrameSize)
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
