package main

import "github.com/ggoodman/mcp-sse-go/cmd/mcp-sse-server/cmd"

func main() {
	cmd.Execute()
}
