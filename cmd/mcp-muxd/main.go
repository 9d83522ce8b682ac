// Command mcp-muxd multiplexes a set of upstream MCP services behind one
// aggregated, namespaced tool catalog and re-exports it to downstream
// WebSocket and local MCP clients.
package main

import "github.com/xiaozhi-mcp/mcp-mux/cmd/mcp-muxd/cmd"

func main() {
	cmd.Execute()
}
