package main

import (
	"fmt"
	"os"

	"github.com/guseggert/pipes/worker"
)

func main() {
	if err := worker.App().Run(os.Args); err != nil {
		// stdout is the protocol channel
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
