package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/x402-paywall/client"
)

var (
	verbose  bool
	cacheDir string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&cacheDir, "cache-dir", "", defaultCacheDir(), "directory holding receipts.json")
}

var rootCmd = &cobra.Command{
	Use:          "x402-fetch",
	Short:        "fetch x402 paywalled resources",
	SilenceUsage: true,
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".x402"
	}
	return filepath.Join(dir, "x402")
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// noWallet backs clients that only read or clear receipts.
type noWallet struct{}

func (noWallet) Transfer(context.Context, client.Transfer) (string, error) {
	return "", fmt.Errorf("no wallet configured")
}

func newReceiptClient(cmd *cobra.Command) (*client.Client, error) {
	return client.New(client.Config{
		Wallet:   noWallet{},
		CacheDir: cacheDir,
		Logger:   newLogger(cmd.ErrOrStderr()),
	})
}
