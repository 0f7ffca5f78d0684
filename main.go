package main

import "github.com/link-assistant/agent/cmd"

func main() {
	cmd.Execute()
}
