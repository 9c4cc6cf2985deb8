package main

import (
	"fmt"
	"os"

	"github.com/Dahilon/Atlas/internal/cli"
	"github.com/Dahilon/Atlas/pkg/logger"
)

func main() {
	root := cli.NewRootCommand()
	err := root.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
