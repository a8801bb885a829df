package main

import "github.com/quantgate/quantgate/internal/cli"

func main() {
	cli.Execute()
}
