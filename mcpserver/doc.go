// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package exposes the sandbox execution engine as the
// execute_analysis_code tool using the mark3labs/mcp-go library. Callers
// (the code-generation loop lives outside this service) submit code text
// and an optional variables object; the tool returns the captured
// stdout/stderr/exit code of the sandboxed run.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
package mcpserver
