package main

import "github.com/jmcleod/certledger/cmd/certledger/cmd"

func main() {
	cmd.Execute()
}
