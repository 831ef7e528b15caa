package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/databox-dev/databox/config"
	"github.com/databox-dev/databox/sandbox"
)

var variableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  sandbox.Executor
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.String("sandbox.state_dir", cfg.Sandbox.StateDir),
		zap.Int("retention.max_runs", cfg.Retention.MaxRuns),
	)

	s.mcpServer = server.NewMCPServer("databox-sandbox", "A sandboxed execution server for generated analysis code")
	s.registerExecuteAnalysisCodeTool()

	return s, nil
}

// registerExecuteAnalysisCodeTool registers the execute_analysis_code tool
func (s *MCPServer) registerExecuteAnalysisCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_analysis_code",
		Description: "Execute untrusted analysis code in a disposable container sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Generated source code to execute",
				},
				"variables": map[string]any{
					"type": "object",
					"description": "Named values visible to the code. Scalars, strings, arrays and " +
						"objects pass through; a tabular value is an object of the form " +
						`{"columns":[{"name":...,"dtype":...,"values":[...]}]}`,
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteAnalysisCode)
}

// handleExecuteAnalysisCode handles the execute_analysis_code tool
func (s *MCPServer) handleExecuteAnalysisCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	var variables map[string]any
	if raw, ok := request.GetArguments()["variables"]; ok && raw != nil {
		rawVars, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("variables must be an object")
		}
		variables, err = decodeVariables(rawVars)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("executing code in sandbox",
		zap.Int("code_len", len(code)),
		zap.Int("variables", len(variables)))

	result, err := s.executor.Execute(ctx, sandbox.Request{
		Code:      code,
		Variables: variables,
	})
	if err != nil {
		s.logger.Error("sandbox execution failed", zap.Error(err))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Execution failed: %v", err),
				},
			},
			IsError: true,
		}, nil
	}

	s.logger.Info("code execution completed",
		zap.Int("exit_code", result.ExitCode),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	resultJSON, err := json.Marshal(executionResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Success:  result.Success(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding execution result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(resultJSON),
			},
		},
	}, nil
}

// executionResult is the JSON wire form of a completed run. Captured output
// can contain arbitrary bytes, so encoding goes through json.Marshal rather
// than string formatting.
type executionResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Success  bool   `json:"success"`
}

// decodeVariables converts the JSON variables object into sandbox values.
// An object with a single "columns" key is treated as a tabular payload;
// everything else passes through as a generic value.
func decodeVariables(raw map[string]any) (map[string]any, error) {
	variables := make(map[string]any, len(raw))
	for name, value := range raw {
		if !variableName.MatchString(name) {
			return nil, fmt.Errorf("invalid variable name %q", name)
		}
		if obj, ok := value.(map[string]any); ok {
			if columns, isFrame := obj["columns"]; isFrame && len(obj) == 1 {
				frame, err := frameFromJSON(columns)
				if err != nil {
					return nil, fmt.Errorf("variable %q: %w", name, err)
				}
				variables[name] = frame
				continue
			}
		}
		variables[name] = value
	}
	return variables, nil
}

// frameFromJSON builds a sandbox.Frame from the wire form
// [{"name":...,"dtype":...,"values":[...]}, ...].
func frameFromJSON(columns any) (*sandbox.Frame, error) {
	list, ok := columns.([]any)
	if !ok {
		return nil, fmt.Errorf("columns must be an array")
	}

	frame := &sandbox.Frame{}
	for i, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("column %d must be an object", i)
		}
		name, ok := obj["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("column %d has no name", i)
		}
		dtype, ok := obj["dtype"].(string)
		if !ok {
			return nil, fmt.Errorf("column %q has no dtype", name)
		}
		rawValues, ok := obj["values"].([]any)
		if !ok {
			return nil, fmt.Errorf("column %q has no values array", name)
		}

		values, err := columnValues(sandbox.ColumnType(dtype), rawValues)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		frame.Columns = append(frame.Columns, sandbox.Column{
			Name:   name,
			Type:   sandbox.ColumnType(dtype),
			Values: values,
		})
	}
	return frame, nil
}

// columnValues coerces JSON cell values into the Go types the column dtype
// expects. JSON numbers arrive as float64; integer columns require them to
// be integral, timestamp columns take RFC 3339 strings.
func columnValues(dtype sandbox.ColumnType, raw []any) ([]any, error) {
	values := make([]any, len(raw))
	for i, cell := range raw {
		if cell == nil {
			continue
		}
		switch dtype {
		case sandbox.ColumnInt:
			num, ok := cell.(float64)
			if !ok || num != float64(int64(num)) {
				return nil, fmt.Errorf("row %d: %v is not an integer", i, cell)
			}
			values[i] = int64(num)
		case sandbox.ColumnTime:
			str, ok := cell.(string)
			if !ok {
				return nil, fmt.Errorf("row %d: timestamp must be an RFC 3339 string", i)
			}
			ts, err := time.Parse(time.RFC3339, str)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			values[i] = ts
		default:
			values[i] = cell
		}
	}
	return values, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}
