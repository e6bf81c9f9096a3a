package main

import "github.com/undoablehq/undoable/cmd"

func main() {
	cmd.Execute()
}
