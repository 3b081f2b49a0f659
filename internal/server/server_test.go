package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/config"
	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/eventlog"
	"github.com/catkins/mcp-bouncer/internal/incoming"
	"github.com/catkins/mcp-bouncer/internal/interceptor"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/secret"
	"github.com/catkins/mcp-bouncer/internal/status"
	"github.com/catkins/mcp-bouncer/internal/toolscache"
	"github.com/catkins/mcp-bouncer/internal/upstream"
)

// startMockUpstream runs an in-process MCP server over streamable HTTP and
// returns its /mcp endpoint URL.
func startMockUpstream(t *testing.T, name string, toolNames ...string) string {
	t.Helper()

	mcpSrv := mcpserver.NewMCPServer(name, "1.0.0-test", mcpserver.WithToolCapabilities(true))
	for _, toolName := range toolNames {
		tool := mcp.NewTool(toolName,
			mcp.WithDescription(toolName+" on "+name),
			mcp.WithString("message", mcp.Description("echoed back")),
		)
		mcpSrv.AddTool(tool, func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := request.GetArguments()
			if msg, ok := args["message"].(string); ok {
				return mcp.NewToolResultText(msg), nil
			}
			return mcp.NewToolResultText("ok"), nil
		})
	}

	ts := httptest.NewServer(mcpserver.NewStreamableHTTPServer(mcpSrv))
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

type bouncerFixture struct {
	server  *Server
	events  *eventlog.Store
	bus     *eventbus.Bus
	overlay *overlay.Overlay
	url     string
}

func newBouncer(t *testing.T, servers []*config.ServerConfig) *bouncerFixture {
	t.Helper()

	dir := t.TempDir()
	cfgStore := config.NewStore(dir)
	require.NoError(t, cfgStore.Save(&config.Settings{MCPServers: servers}))

	logger := zap.NewNop()
	events, err := eventlog.Open(context.Background(), dir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	bus := eventbus.New()
	ov := overlay.New()
	cache := toolscache.New()
	inc := incoming.New()
	ci := interceptor.NewClientInterceptor(events, bus)
	si := interceptor.NewServerInterceptor(events, bus, inc)
	registry := upstream.NewRegistry(ov, cache, secret.NewMemoryStore(), bus, logger, ci)
	t.Cleanup(registry.ShutdownAll)

	s := New(Options{
		Config:   cfgStore,
		Registry: registry,
		Intercep: si,
		Bus:      bus,
		Overlay:  ov,
		Tools:    cache,
		Events:   events,
		Composer: status.NewComposer(cfgStore, ov, cache),
		Incoming: inc,
		Logger:   logger,
		Version:  "test",
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &bouncerFixture{server: s, events: events, bus: bus, overlay: ov, url: ts.URL}
}

func (f *bouncerFixture) connect(t *testing.T) *client.Client {
	t.Helper()

	httpTransport, err := transport.NewStreamableHTTP(f.url + "/mcp")
	require.NoError(t, err)
	mcpClient := client.NewClient(httpTransport)
	t.Cleanup(func() { _ = mcpClient.Close() })

	ctx := context.Background()
	require.NoError(t, mcpClient.Start(ctx))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "bouncer-test-client", Version: "1.0.0"}

	result, err := mcpClient.Initialize(ctx, initReq)
	require.NoError(t, err)
	assert.Equal(t, ServerName, result.ServerInfo.Name)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	return mcpClient
}

// waitForEvent polls the event log until an event matching params shows up.
func waitForEvent(t *testing.T, f *bouncerFixture, params eventlog.QueryParams) eventlog.EventRow {
	t.Helper()

	var found eventlog.EventRow
	require.Eventually(t, func() bool {
		if err := f.events.Flush(context.Background()); err != nil {
			return false
		}
		rows, err := f.events.QueryEvents(params)
		if err != nil || len(rows) == 0 {
			return false
		}
		found = rows[0]
		return true
	}, 5*time.Second, 50*time.Millisecond)
	return found
}

func TestAggregateListTools(t *testing.T) {
	endpointA := startMockUpstream(t, "A", "echo")
	endpointB := startMockUpstream(t, "B", "ping")

	f := newBouncer(t, []*config.ServerConfig{
		{Name: "A", Transport: config.TransportStreamableHTTP, Endpoint: endpointA, Enabled: true},
		{Name: "B", Transport: config.TransportStreamableHTTP, Endpoint: endpointB, Enabled: true},
	})
	mcpClient := f.connect(t)

	result, err := mcpClient.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"A::echo", "B::ping"}, names)

	row := waitForEvent(t, f, eventlog.QueryParams{Method: "tools/list", Server: "aggregate"})
	assert.True(t, row.OK)
}

func TestRoutedCallTool(t *testing.T) {
	endpointA := startMockUpstream(t, "A", "echo")
	endpointB := startMockUpstream(t, "B", "ping")

	f := newBouncer(t, []*config.ServerConfig{
		{Name: "A", Transport: config.TransportStreamableHTTP, Endpoint: endpointA, Enabled: true},
		{Name: "B", Transport: config.TransportStreamableHTTP, Endpoint: endpointB, Enabled: true},
	})
	mcpClient := f.connect(t)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = "A::echo"
	callReq.Params.Arguments = map[string]interface{}{"message": "hello"}

	result, err := mcpClient.CallTool(context.Background(), callReq)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)

	row := waitForEvent(t, f, eventlog.QueryParams{Method: "tools/call", Server: "A"})
	assert.True(t, row.OK)
	assert.GreaterOrEqual(t, row.DurationMS, int64(0))
}

func TestUnqualifiedCallIsAmbiguousWithTwoServers(t *testing.T) {
	endpointA := startMockUpstream(t, "A", "echo")
	endpointB := startMockUpstream(t, "B", "ping")

	f := newBouncer(t, []*config.ServerConfig{
		{Name: "A", Transport: config.TransportStreamableHTTP, Endpoint: endpointA, Enabled: true},
		{Name: "B", Transport: config.TransportStreamableHTTP, Endpoint: endpointB, Enabled: true},
	})
	mcpClient := f.connect(t)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = "echo"

	result, err := mcpClient.CallTool(context.Background(), callReq)
	require.NoError(t, err, "routing failures are tool-level errors, not JSON-RPC errors")
	require.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "multiple enabled servers; specify 'server::tool'", text.Text)

	okFilter := false
	row := waitForEvent(t, f, eventlog.QueryParams{Method: "tools/call", OK: &okFilter})
	assert.False(t, row.OK)
	assert.Contains(t, row.Error, "multiple enabled servers")
}

func TestUnqualifiedCallRoutesToSoleEnabledServer(t *testing.T) {
	endpointA := startMockUpstream(t, "A", "echo")
	endpointB := startMockUpstream(t, "B", "ping")

	f := newBouncer(t, []*config.ServerConfig{
		{Name: "A", Transport: config.TransportStreamableHTTP, Endpoint: endpointA, Enabled: true},
		{Name: "B", Transport: config.TransportStreamableHTTP, Endpoint: endpointB},
	})
	mcpClient := f.connect(t)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = "echo"
	callReq.Params.Arguments = map[string]interface{}{"message": "solo"}

	result, err := mcpClient.CallTool(context.Background(), callReq)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := result.Content[0].(mcp.TextContent)
	assert.Equal(t, "solo", text.Text)
}

func TestDisabledToolIsSuppressedFromListing(t *testing.T) {
	endpointA := startMockUpstream(t, "A", "echo", "noisy")

	f := newBouncer(t, []*config.ServerConfig{
		{Name: "A", Transport: config.TransportStreamableHTTP, Endpoint: endpointA, Enabled: true},
	})
	require.NoError(t, f.server.cfg.SaveToolToggles(config.ToolToggleMap{"A": {"noisy": false}}))

	mcpClient := f.connect(t)
	result, err := mcpClient.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"A::echo"}, names)
}

func TestSensitiveArgumentsAreRedactedInPersistedEvents(t *testing.T) {
	endpointA := startMockUpstream(t, "A", "echo")

	f := newBouncer(t, []*config.ServerConfig{
		{Name: "A", Transport: config.TransportStreamableHTTP, Endpoint: endpointA, Enabled: true},
	})
	mcpClient := f.connect(t)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = "A::echo"
	callReq.Params.Arguments = map[string]interface{}{
		"Authorization": "Bearer x",
		"password":      "p",
		"nested":        map[string]interface{}{"token": "t", "keep": 1},
	}

	_, err := mcpClient.CallTool(context.Background(), callReq)
	require.NoError(t, err)

	row := waitForEvent(t, f, eventlog.QueryParams{Method: "tools/call", Server: "A"})

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(row.RequestJSON), &envelope))
	args := envelope["params"].(map[string]interface{})["arguments"].(map[string]interface{})
	assert.Equal(t, "***", args["Authorization"])
	assert.Equal(t, "***", args["password"])
	nested := args["nested"].(map[string]interface{})
	assert.Equal(t, "***", nested["token"])
	assert.Equal(t, float64(1), nested["keep"])

	assert.NotContains(t, row.RequestJSON, "Bearer x")
}

func TestInitializeRecordsClientIdentity(t *testing.T) {
	f := newBouncer(t, nil)
	_ = f.connect(t)

	row := waitForEvent(t, f, eventlog.QueryParams{Method: "initialize"})
	assert.True(t, row.OK)
	assert.Equal(t, "bouncer-test-client", row.ClientName)
	assert.Equal(t, "1.0.0", row.ClientVersion)
}

func TestUnknownMethodReturnsEmptyResult(t *testing.T) {
	f := newBouncer(t, nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`
	resp, err := http.Post(f.url+"/mcp", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed struct {
		Result map[string]interface{} `json:"result"`
		Error  interface{}            `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Nil(t, parsed.Error)
	assert.NotNil(t, parsed.Result)
}

func TestDebugCallUsesDebuggerOrigin(t *testing.T) {
	endpointA := startMockUpstream(t, "A", "echo")
	f := newBouncer(t, []*config.ServerConfig{
		{Name: "A", Transport: config.TransportStreamableHTTP, Endpoint: endpointA, Enabled: true},
	})

	body := `{"server":"A","tool":"echo","arguments":{"message":"from-debugger"}}`
	resp, err := http.Post(f.url+"/debug/call", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEqual(t, true, result["isError"])

	row := waitForEvent(t, f, eventlog.QueryParams{Method: "tools/call", Server: "A"})
	assert.Equal(t, "debugger::A", row.SessionID)
	assert.True(t, row.OK)
}

func TestDebugStatusEndpoint(t *testing.T) {
	endpointA := startMockUpstream(t, "A", "echo")
	f := newBouncer(t, []*config.ServerConfig{
		{Name: "A", Transport: config.TransportStreamableHTTP, Endpoint: endpointA, Enabled: true},
	})
	mcpClient := f.connect(t)

	_, err := mcpClient.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	resp, err := http.Get(f.url + "/debug/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Servers map[string]status.ClientStatus `json:"servers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Contains(t, payload.Servers, "A")
	assert.Equal(t, "connected", payload.Servers["A"].State)
	assert.Equal(t, 1, payload.Servers["A"].Tools)
}
