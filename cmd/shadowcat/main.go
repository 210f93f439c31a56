package main

import "github.com/shadowcat-mcp/shadowcat/cmd/shadowcat/cmd"

func main() {
	cmd.Execute()
}
