package main

import "github.com/ynop/vespene/services/worker/cli"

func main() {
	cli.Execute()
}
