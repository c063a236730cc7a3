package main

import "eda-agent/cli"

func main() {
	cli.Execute()
}
