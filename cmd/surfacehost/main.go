package main

import "github.com/bryanchriswhite/surfacehost/cmd/surfacehost/commands"

func main() {
	commands.Execute()
}
