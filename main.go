package main

import "toon-archive/cmd"

func main() {
	cmd.Execute()
}
