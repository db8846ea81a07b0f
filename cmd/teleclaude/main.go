package main

import "github.com/teleclaude/teleclaude/internal/cmd"

func main() {
	cmd.Execute()
}
