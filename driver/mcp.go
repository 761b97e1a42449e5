// Package driver connects the engine to the mobile automation driver. The
// driver runs as an MCP server: one tool reports the current app state and
// every other tool becomes an action the model can choose.
package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/config"
	"github.com/m4xw311/appuse/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultStateTool is used when the config does not name one.
const DefaultStateTool = "get_app_state"

// MCPDriver manages the connection to the driver's MCP server.
type MCPDriver struct {
	Name      string
	stateTool string
	conn      *mcpsdk.ClientSession
	tools     []*mcpsdk.Tool
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Start launches the driver subprocess described by cfg and connects to it.
func Start(ctx context.Context, cfg config.MCPServer, logger *slog.Logger) (*MCPDriver, error) {
	if cfg.Command == "" {
		return nil, errors.Mark(errors.ErrConfiguration, errors.New("driver command is not configured"))
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Stderr = os.Stderr
	return Connect(ctx, cfg.Name, cfg.StateTool, &mcpsdk.CommandTransport{Command: cmd}, logger)
}

// Connect attaches to a driver over an arbitrary MCP transport and discovers
// its tools.
func Connect(ctx context.Context, name, stateTool string, t mcpsdk.Transport, logger *slog.Logger) (*MCPDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if stateTool == "" {
		stateTool = DefaultStateTool
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "appuse", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, errors.Mark(errors.ErrConnection, errors.Wrapf(err, "failed to connect to driver '%s'", name))
	}
	d := &MCPDriver{Name: name, stateTool: stateTool, conn: conn, logger: logger}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to list tools from driver '%s'", name)
		}
		d.tools = append(d.tools, list.Tools...)
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	if !d.hasTool(stateTool) {
		conn.Close()
		return nil, errors.Mark(errors.ErrConfiguration, errors.New("driver '%s' has no state tool %q", name, stateTool))
	}

	logger.Info("connected to driver", "driver", name, "tools", len(d.tools))
	return d, nil
}

func (d *MCPDriver) hasTool(name string) bool {
	for _, t := range d.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ActionNames lists the driver tools exposed as actions.
func (d *MCPDriver) ActionNames() []string {
	var names []string
	for _, t := range d.tools {
		if t.Name != d.stateTool {
			names = append(names, t.Name)
		}
	}
	return names
}

// RegisterActions adds every driver tool except the state tool to r.
func (d *MCPDriver) RegisterActions(r *action.Registry) error {
	for _, t := range d.tools {
		if t.Name == d.stateTool {
			continue
		}
		name := t.Name
		err := r.Add(action.Definition{
			Name:        name,
			Description: t.Description,
			Parameters:  inputSchema(t.InputSchema),
			Handler: func(ctx context.Context, params map[string]interface{}, _ app.Provider, _ any) (action.Result, error) {
				return d.run(ctx, name, params)
			},
		})
		if err != nil {
			return errors.Wrapf(err, "register driver tool %q", name)
		}
	}
	return nil
}

func inputSchema(v any) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	var m map[string]interface{}
	data, err := json.Marshal(v)
	if err == nil {
		_ = json.Unmarshal(data, &m)
	}
	if m == nil {
		m = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return m
}

func (d *MCPDriver) run(ctx context.Context, name string, params map[string]interface{}) (action.Result, error) {
	res, err := d.conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: params})
	if err != nil {
		return action.Result{}, errors.Wrapf(err, "failed to call driver tool '%s'", name)
	}
	text, _ := contentOf(res)
	if res.IsError {
		return action.Failed(text), nil
	}
	d.logger.Debug("driver action", "tool", name, "result", text)
	return action.Result{ExtractedContent: text, IncludeInMemory: true}, nil
}

// contentOf joins the text content of res and returns the first image as
// base64.
func contentOf(res *mcpsdk.CallToolResult) (string, string) {
	var text []string
	var image string
	for _, c := range res.Content {
		switch c := c.(type) {
		case *mcpsdk.TextContent:
			text = append(text, c.Text)
		case *mcpsdk.ImageContent:
			if image == "" {
				image = base64.StdEncoding.EncodeToString(c.Data)
			}
		}
	}
	return strings.Join(text, "\n"), image
}

// stateReply is the shape the state tool returns, either as structured
// content or as JSON text.
type stateReply struct {
	Elements    app.ElementList `json:"elements"`
	Screenshot  string          `json:"screenshot"`
	PixelsAbove int             `json:"pixels_above"`
	PixelsBelow int             `json:"pixels_below"`
}

// GetState calls the state tool and decodes the snapshot.
func (d *MCPDriver) GetState(ctx context.Context) (*app.Snapshot, error) {
	res, err := d.conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: d.stateTool, Arguments: map[string]interface{}{}})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read app state from driver '%s'", d.Name)
	}
	text, image := contentOf(res)
	if res.IsError {
		return nil, errors.New("driver '%s' could not read app state: %s", d.Name, text)
	}

	var data []byte
	if res.StructuredContent != nil {
		data, err = json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, errors.Wrapf(err, "encode structured app state")
		}
	} else {
		data = []byte(text)
	}
	var reply stateReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, errors.Wrapf(err, "decode app state from driver '%s'", d.Name)
	}
	if reply.Screenshot == "" {
		reply.Screenshot = image
	}
	return &app.Snapshot{
		Elements:    reply.Elements,
		Screenshot:  reply.Screenshot,
		PixelsAbove: reply.PixelsAbove,
		PixelsBelow: reply.PixelsBelow,
		CapturedAt:  time.Now(),
	}, nil
}

// Close ends the session and stops the subprocess. It is safe to call more
// than once.
func (d *MCPDriver) Close() error {
	d.closeOnce.Do(func() {
		d.logger.Info("terminating driver", "driver", d.Name)
		d.closeErr = d.conn.Close()
	})
	return d.closeErr
}
