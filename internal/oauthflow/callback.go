// Package oauthflow drives the authorization-code flow for one upstream
// server: a transient localhost callback listener, the authorization and
// token-exchange steps against the server's authorization endpoints, and
// persistence of the issued credentials.
package oauthflow

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	callbackWaitTimeout = 180 * time.Second
	shutdownTimeout     = 5 * time.Second
)

const callbackHTML = `<!DOCTYPE html>
<html>
<head><title>Authorization complete</title></head>
<body>
<p>Authorization complete. You can close this window.</p>
<script>window.setTimeout(function () { window.close(); }, 1500);</script>
</body>
</html>`

// CallbackResult is what the authorization server delivered to the redirect
// URI: a code and state on success, or an error description.
type CallbackResult struct {
	Code  string
	State string
	Err   string
}

// CallbackServer is the transient localhost listener serving one
// GET /callback. It binds an OS-chosen port so multiple flows never collide.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	result   chan CallbackResult
	logger   *zap.Logger
}

// NewCallbackServer binds a listener on an OS-chosen localhost port and
// starts serving the callback route in the background.
func NewCallbackServer(logger *zap.Logger) (*CallbackServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind callback listener: %w", err)
	}

	cs := &CallbackServer{
		listener: ln,
		result:   make(chan CallbackResult, 1),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Get("/callback", cs.handleCallback)
	cs.server = &http.Server{Handler: r}

	go func() {
		if err := cs.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			cs.logger.Warn("oauth callback server exited", zap.Error(err))
		}
	}()

	return cs, nil
}

// RedirectURI is the redirect_uri registered with the authorization server.
func (cs *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://%s/callback", cs.listener.Addr().String())
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := CallbackResult{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Err:   q.Get("error"),
	}
	if res.Err == "" && res.Code == "" {
		res.Err = "callback received no authorization code"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(callbackHTML))

	select {
	case cs.result <- res:
	default:
	}
}

// Await blocks until the callback fires or the wait times out.
func (cs *CallbackServer) Await(ctx context.Context) (CallbackResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, callbackWaitTimeout)
	defer cancel()

	select {
	case res := <-cs.result:
		if res.Err != "" {
			return res, fmt.Errorf("authorization callback failed: %s", res.Err)
		}
		return res, nil
	case <-waitCtx.Done():
		return CallbackResult{}, fmt.Errorf("waiting for authorization callback: %w", waitCtx.Err())
	}
}

// Shutdown gracefully stops the listener, bounded by shutdownTimeout.
func (cs *CallbackServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := cs.server.Shutdown(ctx); err != nil {
		_ = cs.server.Close()
	}
}
