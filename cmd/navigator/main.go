// Command navigator manages saved PostgreSQL connections and browses their
// catalogs from the terminal.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// A .env in the working directory seeds NAVIGATOR_* variables.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to read .env: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
