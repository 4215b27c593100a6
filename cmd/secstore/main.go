package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	err := rootCmd.Execute()
	if v != nil {
		v.Close()
	}
	if err == nil {
		return
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
		}
		os.Exit(exitErr.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
