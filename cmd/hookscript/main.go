package main

import "github.com/nfrund/hookscript/cmd/hookscript/cmd"

func main() {
	cmd.Execute()
}
