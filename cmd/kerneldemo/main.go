// kerneldemo is a diagnostic driver over the storage kernel's three
// components. It is not a query engine or SQL front end: each subcommand
// exercises one component directly (buffer pool bench, B+Tree inspect,
// lock manager deadlock demo).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
