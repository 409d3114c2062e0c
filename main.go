package main

import "github.com/goosewin/fluxsweep/cmd"

func main() {
	cmd.Execute()
}
