package main

import (
	"fmt"
	"os"

	"github.com/denniswebb/natgate/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "natgate: %v\n", err)
		os.Exit(1)
	}
}
