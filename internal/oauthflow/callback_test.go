package oauthflow

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCallbackCapturesCodeAndState(t *testing.T) {
	cs, err := NewCallbackServer(zap.NewNop())
	require.NoError(t, err)
	defer cs.Shutdown()

	uri := cs.RedirectURI()
	assert.True(t, strings.HasPrefix(uri, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(uri, "/callback"))

	resp, err := http.Get(uri + "?code=abc&state=xyz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "window.close")

	result, err := cs.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Code)
	assert.Equal(t, "xyz", result.State)
}

func TestCallbackWithProviderError(t *testing.T) {
	cs, err := NewCallbackServer(zap.NewNop())
	require.NoError(t, err)
	defer cs.Shutdown()

	_, err = http.Get(cs.RedirectURI() + "?error=access_denied")
	require.NoError(t, err)

	_, err = cs.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestAwaitHonoursContextCancellation(t *testing.T) {
	cs, err := NewCallbackServer(zap.NewNop())
	require.NoError(t, err)
	defer cs.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = cs.Await(ctx)
	require.Error(t, err)
}
