package main

import (
	"os"

	"github.com/go-minidump/minidump/cmd/minidump/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
