// Command odata-batch serves, runs and converts OData $batch payloads.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
