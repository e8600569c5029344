// Package mcp exposes context assembly to MCP clients over stdio.
//
// Two tools are registered: get_context returns the context for a turn and
// remember stores a memory for a user. Both validate identity before doing
// any work.
package mcp
