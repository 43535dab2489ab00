package main

import "github.com/jmehdipour/outboxflow/cmd"

func main() {
	cmd.Execute()
}
