package main

import "github.com/sw33tLie/dockopt/cmd"

func main() {
	cmd.Execute()
}
