package driver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/config"
	"github.com/m4xw311/appuse/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu     sync.Mutex
	tapped []float64
}

func startFakeDriver(t *testing.T, dev *fakeDevice, stateTool string) *MCPDriver {
	t.Helper()
	ctx := context.Background()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "fake-driver", Version: "v0.0.1"}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "get_app_state",
		Description: "Current screen",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		state := map[string]any{
			"elements": []map[string]any{
				{"index": 0, "type": "Button", "text": "Settings"},
				{"index": 1, "type": "Switch", "attributes": map[string]string{"resource-id": "wifi"}},
			},
			"pixels_below": 640,
		}
		data, _ := json.Marshal(state)
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
			&mcpsdk.ImageContent{Data: []byte("png"), MIMEType: "image/png"},
		}}, nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "tap_element",
		Description: "Tap the element with the given index",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"index": map[string]any{"type": "integer"}},
			"required":   []string{"index"},
		},
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			Index float64 `json:"index"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		if args.Index > 1 {
			return &mcpsdk.CallToolResult{IsError: true, Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "no element with that index"}}}, nil
		}
		dev.mu.Lock()
		dev.tapped = append(dev.tapped, args.Index)
		dev.mu.Unlock()
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "tapped"}}}, nil
	})

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	d, err := Connect(ctx, "fake", stateTool, clientTransport, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGetState(t *testing.T) {
	d := startFakeDriver(t, &fakeDevice{}, "")

	snap, err := d.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ElementCount())
	assert.Equal(t, 640, snap.PixelsBelow)
	assert.Equal(t, "cG5n", snap.Screenshot)
	assert.Equal(t, "[0]<Button>Settings />\n[1]<Switch resource-id='wifi'> />", snap.Elements.InteractiveElementsString([]string{"resource-id"}))
	assert.False(t, snap.CapturedAt.IsZero())
}

func TestRegisterAndRunActions(t *testing.T) {
	dev := &fakeDevice{}
	d := startFakeDriver(t, dev, DefaultStateTool)
	assert.Equal(t, []string{"tap_element"}, d.ActionNames())

	r := action.NewRegistry(nil)
	require.NoError(t, d.RegisterActions(r))
	_, ok := r.Get("get_app_state")
	assert.False(t, ok)

	ctx := context.Background()
	res, err := r.Execute(ctx, action.Action{Name: "tap_element", Params: map[string]interface{}{"index": 1}}, d, nil)
	require.NoError(t, err)
	assert.Equal(t, "tapped", res.ExtractedContent)
	assert.Equal(t, []float64{1}, dev.tapped)

	res, err = r.Execute(ctx, action.Action{Name: "tap_element", Params: map[string]interface{}{"index": 7}}, d, nil)
	require.NoError(t, err)
	assert.Equal(t, "no element with that index", res.Error)

	err = r.Validate(action.Action{Name: "tap_element", Params: map[string]interface{}{}})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestMissingStateTool(t *testing.T) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "stateless", Version: "v0.0.1"}, nil)
	server.AddTool(&mcpsdk.Tool{Name: "swipe", InputSchema: map[string]any{"type": "object"}},
		func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{}, nil
		})
	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(context.Background(), serverTransport, nil)
	require.NoError(t, err)
	defer ss.Close()

	_, err = Connect(context.Background(), "stateless", "", clientTransport, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestCloseIsIdempotent(t *testing.T) {
	d := startFakeDriver(t, &fakeDevice{}, "")
	first := d.Close()
	assert.Equal(t, first, d.Close())
}

func TestStartWithoutCommand(t *testing.T) {
	_, err := Start(context.Background(), config.MCPServer{Name: "device"}, nil)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
