// mcpgate is a transparent MCP proxy between AI agents and upstream MCP
// services.
package main

import "github.com/mcpgate/mcpgate/cmd/mcpgate/cmd"

func main() {
	cmd.Execute()
}
