package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	m, err := Parse([]byte(`{"id":1,"method":"list_tools","params":{}}`))
	require.NoError(t, err)
	assert.Equal(t, KindRequest, m.Kind)
	assert.Equal(t, "list_tools", m.Method)
	assert.Equal(t, "1", m.IDKey())
	assert.JSONEq(t, `{}`, string(m.Params))
}

func TestParseStringAndNumericIDsDiffer(t *testing.T) {
	a, err := Parse([]byte(`{"id":"1","method":"x"}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"id":1,"method":"x"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.IDKey(), b.IDKey())
}

func TestParseNotification(t *testing.T) {
	m, err := Parse([]byte(`{"method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Equal(t, KindNotification, m.Kind)
	assert.Nil(t, m.ID)
}

func TestParseResponse(t *testing.T) {
	m, err := Parse([]byte(`{"id":"abc","result":{"ok":true}}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, m.Kind)
	assert.JSONEq(t, `{"ok":true}`, string(m.Result))

	m, err = Parse([]byte(`{"id":7,"error":{"code":-1,"message":"nope"}}`))
	require.NoError(t, err)
	require.NotNil(t, m.Error)
	assert.Equal(t, -1, m.Error.Code)
	assert.Equal(t, "nope", m.Error.Message)
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code int
		id   string
	}{
		{"not json", `{"id":1,`, CodeParseError, ""},
		{"array", `[1,2]`, CodeParseError, ""},
		{"trailing", `{"id":1,"method":"a"}{}`, CodeParseError, ""},
		{"numeric method", `{"id":1,"method":5}`, CodeInvalidRequest, "1"},
		{"empty method", `{"id":"x","method":""}`, CodeInvalidRequest, `"x"`},
		{"object id", `{"id":{},"method":"a"}`, CodeInvalidRequest, ""},
		{"scalar params", `{"id":2,"method":"a","params":3}`, CodeInvalidRequest, "2"},
		{"no method no result", `{"id":3}`, CodeInvalidRequest, "3"},
		{"result and error", `{"id":4,"result":1,"error":{"code":1,"message":"x"}}`, CodeInvalidRequest, "4"},
		{"response without id", `{"result":1}`, CodeInvalidRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame))
			var me *MalformedError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tc.code, me.Code)
			assert.Equal(t, tc.id, string(me.ID))

			var frame struct {
				ID    json.RawMessage `json:"id"`
				Error Error           `json:"error"`
			}
			require.NoError(t, json.Unmarshal(me.Frame(), &frame))
			assert.Equal(t, tc.code, frame.Error.Code)
			assert.Equal(t, MsgMalformedFrame, frame.Error.Message)
			if tc.id == "" {
				assert.Equal(t, "null", string(frame.ID))
			}
		})
	}
}

func TestFramesAreBitExact(t *testing.T) {
	assert.Equal(t, `{"id":1,"result":{"tools":[]}}`, string(ResultFrame(json.RawMessage(`1`), json.RawMessage(`{"tools": []}`))))
	assert.Equal(t, `{"id":"a","result":{}}`, string(ResultFrame(json.RawMessage(`"a"`), nil)))
	assert.Equal(t, `{"id":null,"error":{"code":-32700,"message":"MalformedFrame"}}`, string(ErrorFrame(nil, CodeParseError, MsgMalformedFrame)))
	assert.Equal(t, `{"id":9,"error":{"code":-32001,"message":"UnknownServer"}}`, string(ErrorFrame(json.RawMessage(`9`), CodeUnknownServer, MsgUnknownServer)))
}

func TestJSONRPC(t *testing.T) {
	m, err := Parse([]byte(`{"id":1,"method":"tools/list","params":{"cursor":"x"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"cursor":"x"}}`, string(m.JSONRPC()))
}
