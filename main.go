// Package main is the entry point for the listing-crawler binary.
package main

import (
	"fmt"
	"os"

	"github.com/tfaulkner/listing-crawler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
