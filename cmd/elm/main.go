package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/elm-linux/elm/internal/config"
)

// Version will be set at build time via -ldflags
var Version = "v0.0.1-alpha"

func main() {
	if err := Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %s\n", config.FormatError(err, verbose))
		os.Exit(1)
	}
}

// exitError ends the process with code after the command already reported
// its outcome.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
