package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSortsRequestsAndResponses(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"teardown","id":"a-1"}`), &m))
	require.NotNil(t, m.Request)
	assert.Nil(t, m.Response)
	assert.Equal(t, RequestID("a-1"), m.Request.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","result":{"ok":true},"id":7}`), &m))
	require.NotNil(t, m.Response)
	assert.Nil(t, m.Request)
	assert.Equal(t, RequestID("7"), m.Response.ID)
}

func TestMessageRejectsMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"version":        `{"jsonrpc":"1.0","method":"x"}`,
		"mixed":          `{"jsonrpc":"2.0","method":"x","result":1}`,
		"both":           `{"jsonrpc":"2.0","result":1,"error":{"code":1,"message":"m"},"id":"a"}`,
		"neither":        `{"jsonrpc":"2.0","id":"a"}`,
		"response no id": `{"jsonrpc":"2.0","result":1}`,
		"bad id":         `{"jsonrpc":"2.0","method":"x","id":{}}`,
	} {
		var m Message
		assert.Error(t, json.Unmarshal([]byte(raw), &m), name)
	}
}

func TestRequestOmitsEmptyID(t *testing.T) {
	req, err := NewRequest("", "cancel", map[string]string{"id": "a-1"})
	require.NoError(t, err)
	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"cancel","params":{"id":"a-1"}}`, string(b))
}

func TestErrorResponse(t *testing.T) {
	resp := NewErrorResponse("a-1", ErrorCodeRejected, "no such connection")
	assert.EqualError(t, resp.Error, "jsonrpc error -32000: no such connection")
}
