package main

import (
	"context"
	"fmt"
	"os"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	a := newApp(openFromConfig)
	defer a.close()
	if err := NewRootCmd(version, a).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "memctx:", err)
		a.close()
		os.Exit(1)
	}
}
