package mcpruntime_test

import (
	"context"
	"net/http/httptest"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/mcp-sse-go/mcp"
	"github.com/ggoodman/mcp-sse-go/mcpruntime"
	"github.com/ggoodman/mcp-sse-go/streamhttp"
)

// TestEndToEndWithSDKClient drives the full stack with the official MCP Go
// client over the SSE transport: handshake, endpoint discovery, tool call,
// and resource read all travel the real wire format.
func TestEndToEndWithSDKClient(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	type sapArgs struct {
		Technology string `json:"technology" jsonschema:"minLength=1,description=Technology to look up"`
	}
	tool := mcpruntime.NewTool("get_dfm_sap", func(ctx context.Context, args sapArgs) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.ContentBlock{mcp.TextContent("Querying SAP for " + args.Technology)},
		}, nil
	}, mcpruntime.WithToolDescription("Get the SAP in DFM for a given technology"))

	rt := mcpruntime.NewRuntime(
		mcpruntime.WithServerInfo(mcp.ImplementationInfo{Name: "e2e-server", Version: "1.0.0"}),
		mcpruntime.WithTools(tool),
		mcpruntime.WithResources(mcpruntime.NewStaticResources().
			AddText("echo://hello", "echo-hello", "text/plain", "Resource echo: hello")),
	)

	handler, err := streamhttp.New(rt)
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := sdk.NewClient(&sdk.Implementation{
		Name:    "e2e-client",
		Version: "1.0.0",
	}, &sdk.ClientOptions{})
	transport := &sdk.SSEClientTransport{Endpoint: srv.URL + "/sse"}

	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer cs.Close()

	if want, got := "e2e-server", cs.InitializeResult().ServerInfo.Name; want != got {
		t.Errorf("Unexpected server name: want %q, got %q", want, got)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "get_dfm_sap",
		Arguments: map[string]any{"technology": "finfet"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("CallTool returned error: %v", res.Content)
	}
	var text string
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			text += tc.Text
		}
	}
	if text != "Querying SAP for finfet" {
		t.Errorf("Unexpected tool output: %q", text)
	}

	lr, err := cs.ListResources(ctx, &sdk.ListResourcesParams{})
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(lr.Resources) != 1 || lr.Resources[0].URI != "echo://hello" {
		t.Fatalf("Unexpected resource listing: %+v", lr.Resources)
	}

	rr, err := cs.ReadResource(ctx, &sdk.ReadResourceParams{URI: "echo://hello"})
	if err != nil {
		t.Fatalf("ReadResource failed: %v", err)
	}
	if len(rr.Contents) != 1 || rr.Contents[0].Text != "Resource echo: hello" {
		t.Errorf("Unexpected resource contents: %+v", rr.Contents)
	}
}
