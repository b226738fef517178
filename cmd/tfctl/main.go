package main

import "taskfarm/cmd/cli"

func main() {
	cli.Execute()
}
