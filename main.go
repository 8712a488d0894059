package main

import "clip-flow/cmd"

func main() {
	cmd.Execute()
}
