// Command threatguard runs the threat detection engine as a service, scans
// event files and trains models.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
