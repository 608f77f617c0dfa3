package linerpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		wire string
	}{
		{
			name: "command with data",
			msg:  Message{Kind: KindCommand, Name: "register", Data: json.RawMessage(`{"myId":"B","routerList":{}}`)},
			wire: `{"command":"register","data":{"myId":"B","routerList":{}}}`,
		},
		{
			name: "command without data",
			msg:  Message{Kind: KindCommand, Name: "ping"},
			wire: `{"command":"ping"}`,
		},
		{
			name: "notify",
			msg:  Message{Kind: KindNotify, Name: "router-remove", Data: json.RawMessage(`["C","D"]`)},
			wire: `{"notify":"router-remove","data":["C","D"]}`,
		},
		{
			name: "return",
			msg:  Message{Kind: KindReturn, Data: json.RawMessage(`{}`)},
			wire: `{"return":{}}`,
		},
		{
			name: "error",
			msg:  NewError("unknown command x"),
			wire: `{"error":"unknown command x"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewEncoder(&buf).Encode(tt.msg))
			assert.True(t, strings.HasSuffix(buf.String(), "\n"))
			assert.JSONEq(t, tt.wire, strings.TrimSpace(buf.String()))

			got, err := NewDecoder(&buf).Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Kind, got.Kind)
			assert.Equal(t, tt.msg.Name, got.Name)
			assert.Equal(t, string(tt.msg.Data), string(got.Data))
		})
	}
}

func TestNewReturnNilIsEmptyObject(t *testing.T) {
	m, err := NewReturn(nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(m.Data))
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "boom", NewError("boom").ErrorText())
	assert.Equal(t, `{"code":3}`, Message{Kind: KindError, Data: json.RawMessage(`{"code":3}`)}.ErrorText())
}

func TestDecodeMalformedKeepsStreamUsable(t *testing.T) {
	in := strings.Join([]string{
		`not json`,
		`{"command":"a","notify":"b"}`,
		`{"command":""}`,
		`[1,2]`,
		``,
		`{"notify":"ok"}`,
	}, "\n") + "\n"
	dec := NewDecoder(strings.NewReader(in))

	for i := 0; i < 4; i++ {
		_, err := dec.Decode()
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr), "frame %d: %v", i, err)
	}
	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, KindNotify, m.Kind)
	assert.Equal(t, "ok", m.Name)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"return":{}`))
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEncodeRejectsUnnamedCommand(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, NewEncoder(&buf).Encode(Message{Kind: KindCommand}))
	assert.Zero(t, buf.Len())
}
