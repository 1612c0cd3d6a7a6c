package main

import "github.com/nanoclaw/nanoclaw/cmd"

func main() {
	cmd.Execute()
}
