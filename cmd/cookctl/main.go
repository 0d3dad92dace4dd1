package main

import (
	"os"

	"assetcook.dev/cmd/cookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
