package main

import (
	"os"

	"github.com/solatis/condfmt/cmd/condfmt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
