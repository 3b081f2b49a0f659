package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"a::b"}}`
	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	assert.Equal(t, Version, req.JSONRPC)
	assert.Equal(t, float64(1), req.ID)
	assert.Equal(t, "tools/call", req.Method)
	assert.False(t, req.IsNotification())

	assert.JSONEq(t, raw, req.Envelope())
}

func TestNotificationHasNoID(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &req))
	assert.True(t, req.IsNotification())
}

func TestResponseEnvelopes(t *testing.T) {
	resp := NewResult(float64(3), map[string]interface{}{"tools": []string{}})
	env := resp.Envelope()
	assert.Contains(t, env, `"jsonrpc":"2.0"`)
	assert.Contains(t, env, `"id":3`)
	assert.Contains(t, env, `"result"`)

	errResp := NewError(float64(4), CodeMethodNotFound, "nope")
	env = errResp.Envelope()
	assert.Contains(t, env, `"error"`)
	assert.Contains(t, env, `"code":-32601`)
}

func TestStringIDsSurvive(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"abc","method":"ping"}`), &req))
	assert.Equal(t, "abc", req.ID)
	assert.Contains(t, req.Envelope(), `"id":"abc"`)
}
