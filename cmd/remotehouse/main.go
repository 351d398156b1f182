package main

import "github.com/felixgeelhaar/remotehouse/cmd/remotehouse/cli"

func main() {
	cli.Execute()
}
