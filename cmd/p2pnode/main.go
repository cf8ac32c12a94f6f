package main

import (
	"github.com/localmesh/p2pnode/cmd/p2pnode/cmd"
)

func main() {
	cmd.Execute()
}
