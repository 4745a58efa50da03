// Command rs-authz manages authorization records in the rs-auth bbolt
// database. The server holds a lock on the database while running, so
// stop it first.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	a := &app{out: os.Stdout}

	parser := newParser(a)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
