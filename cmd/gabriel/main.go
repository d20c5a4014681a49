// Command gabriel runs the counseling server and its operator tasks.
package main

import (
	"context"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(openUsers).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
