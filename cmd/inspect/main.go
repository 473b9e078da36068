// Command inspect is the read-only audit tool for a state protocol database.
package main

import (
	"fmt"
	"os"
)

// #region main
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main
