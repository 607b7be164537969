package main

import (
	"github.com/mosaicnetworks/shardcast/src/cmd/shardcast/command"
)

func main() {
	command.Execute()
}
