// Command x402-fetch requests x402-protected URLs, paying challenges from a
// local EVM key, and manages the receipts it keeps on disk.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
