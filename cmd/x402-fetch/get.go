package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	x402 "github.com/becomeliminal/x402-paywall"
	"github.com/becomeliminal/x402-paywall/client"
	"github.com/becomeliminal/x402-paywall/evm"
)

var (
	getMethod     string
	getData       string
	getHeaders    []string
	getKey        string
	getNetwork    string
	getRPCURL     string
	getSecret     string
	getMaxAutoPay string
	getConfirm    bool
	getReuse      bool
)

func init() {
	getCmd.Flags().StringVarP(&getMethod, "request", "X", http.MethodGet, "HTTP method")
	getCmd.Flags().StringVarP(&getData, "data", "d", "", "request body")
	getCmd.Flags().StringArrayVarP(&getHeaders, "header", "H", nil, "extra request header, e.g. 'X-Subscriber: 0xabc'")
	getCmd.Flags().StringVarP(&getKey, "key", "", os.Getenv("X402_PRIVATE_KEY"), "hex private key paying challenges (env X402_PRIVATE_KEY)")
	getCmd.Flags().StringVarP(&getNetwork, "network", "", "base-sepolia", "network the wallet pays on")
	getCmd.Flags().StringVarP(&getRPCURL, "rpc-url", "", os.Getenv("X402_RPC_URL"), "JSON-RPC endpoint of the network (env X402_RPC_URL)")
	getCmd.Flags().StringVarP(&getSecret, "secret", "", os.Getenv("X402_SECRET"), "secret shared with the issuer for proof signatures (env X402_SECRET)")
	getCmd.Flags().StringVarP(&getMaxAutoPay, "max", "", client.DefaultMaxAutoPayUSDC, "largest amount paid without failing")
	getCmd.Flags().BoolVarP(&getConfirm, "confirm", "", false, "ask before every payment")
	getCmd.Flags().BoolVarP(&getReuse, "reuse", "", true, "reuse an unexpired receipt for the same URL")

	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "request a URL, paying any x402 challenge",
	Args:  cobra.ExactArgs(1),
	RunE:  doGet,
}

// newWallet builds the paying wallet and its address.
var newWallet = func(key, network, rpcURL string) (client.Wallet, string, error) {
	if key == "" {
		return nil, "", fmt.Errorf("a private key is required (--key or X402_PRIVATE_KEY)")
	}

	n, err := evm.KnownNetwork(network, rpcURL)
	if err != nil {
		return nil, "", err
	}
	w, err := evm.NewWallet(key, n)
	if err != nil {
		return nil, "", err
	}
	return w, w.Address(), nil
}

func doGet(cmd *cobra.Command, args []string) error {
	wallet, address, err := newWallet(getKey, getNetwork, getRPCURL)
	if err != nil {
		return err
	}
	if c, ok := wallet.(io.Closer); ok {
		defer c.Close()
	}

	stderr := cmd.ErrOrStderr()
	c, err := client.New(client.Config{
		Wallet:              wallet,
		PayerAddress:        address,
		MaxAutoPayUSDC:      getMaxAutoPay,
		RequireConfirmation: getConfirm,
		Confirm:             prompt(cmd.InOrStdin(), stderr),
		CacheReceipts:       getReuse,
		CacheDir:            cacheDir,
		Secret:              []byte(getSecret),
		Logger:              newLogger(stderr),
		OnChallenge: func(c *x402.PaymentChallenge) {
			fmt.Fprintf(stderr, "payment required: %s %s on %s to %s\n", c.Amount, c.Asset, c.Network, c.Receiver)
		},
		OnPayment: func(r *x402.PaymentReceipt) {
			fmt.Fprintf(stderr, "paid: tx %s\n", r.TxHash)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	var body io.Reader
	if getData != "" {
		body = strings.NewReader(getData)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), getMethod, args[0], body)
	if err != nil {
		return err
	}
	for _, h := range getHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v := resp.Header.Get(x402.HeaderPaymentResponse); v != "" {
		if pr, err := x402.DecodePaymentResponse(v); err == nil {
			fmt.Fprintf(stderr, "payment %s: tx %s nonce %s\n", pr.Status, pr.TxHash, pr.Nonce)
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		fmt.Fprintf(stderr, "status: %s\n", resp.Status)
	}

	_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
	return err
}

func prompt(in io.Reader, out io.Writer) client.ConfirmFunc {
	scanner := bufio.NewScanner(in)
	return func(_ context.Context, c *x402.PaymentChallenge) (bool, error) {
		fmt.Fprintf(out, "pay %s %s for %q? [y/N] ", c.Amount, c.Asset, c.Description)
		if !scanner.Scan() {
			return false, scanner.Err()
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
}
