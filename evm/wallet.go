package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/becomeliminal/x402-paywall/client"
)

const erc20ABI = `[{
	"type": "function",
	"name": "transfer",
	"inputs": [
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"}
	],
	"outputs": [{"name": "", "type": "bool"}],
	"constant": false
}]`

var erc20 = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ERC-20 ABI: %v", err))
	}
	return parsed
}()

// Wallet pays challenges with ERC-20 transfers signed by a local key.
// It implements client.Wallet.
type Wallet struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	networks map[string]Network
	clients  clientPool

	// WaitMined makes Transfer block until the transaction has a receipt.
	WaitMined    bool
	PollInterval time.Duration
}

// NewWallet creates a wallet from a hex private key for the given networks.
func NewWallet(privateKeyHex string, networks ...Network) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	if len(networks) == 0 {
		return nil, fmt.Errorf("at least one network is required")
	}

	byName := make(map[string]Network, len(networks))
	for _, n := range networks {
		if n.RPCURL == "" {
			return nil, fmt.Errorf("network %s has no RPC URL", n.Name)
		}
		byName[strings.ToLower(n.Name)] = n
	}

	return &Wallet{
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		networks:     byName,
		WaitMined:    true,
		PollInterval: 2 * time.Second,
	}, nil
}

// Address returns the wallet's account address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Close releases the RPC connections opened by Transfer.
func (w *Wallet) Close() error {
	w.clients.close()
	return nil
}

// Transfer sends t.Amount of t.Asset to t.To and returns the transaction hash.
func (w *Wallet) Transfer(ctx context.Context, t client.Transfer) (string, error) {
	network, ok := w.networks[strings.ToLower(t.Network)]
	if !ok {
		return "", fmt.Errorf("network %q is not configured", t.Network)
	}

	token, ok := network.Token(t.Asset)
	if !ok {
		return "", fmt.Errorf("asset %q is not supported on %s", t.Asset, network.Name)
	}

	if !common.IsHexAddress(t.To) {
		return "", fmt.Errorf("invalid receiver address %q", t.To)
	}

	value, err := ToBaseUnits(t.Amount, token.Decimals)
	if err != nil {
		return "", err
	}

	txData, err := erc20.Pack("transfer", common.HexToAddress(t.To), value)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer call: %w", err)
	}

	ethClient, err := w.clients.get(network.RPCURL)
	if err != nil {
		return "", fmt.Errorf("failed to dial Ethereum RPC client: %w", err)
	}

	txNonce, err := ethClient.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", fmt.Errorf("failed to get pending nonce: %w", err)
	}

	gasTipCap, err := ethClient.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}

	header, err := ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get block header: %w", err)
	}
	if header.BaseFee == nil {
		return "", fmt.Errorf("block header missing base fee: network may not support EIP-1559")
	}

	// 2x base fee + tip
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), gasTipCap)

	gasLimit, err := ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From: w.address,
		To:   &token.Address,
		Data: txData,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100

	chainID := big.NewInt(network.ChainID)
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &token.Address,
		Value:     big.NewInt(0),
		Data:      txData,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := ethClient.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	if w.WaitMined {
		if err := w.waitMined(ctx, ethClient, signedTx.Hash()); err != nil {
			return "", err
		}
	}

	return signedTx.Hash().Hex(), nil
}

// waitMined polls until the transaction has a successful receipt.
func (w *Wallet) waitMined(ctx context.Context, ethClient EthClient, hash common.Hash) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := ethClient.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted", hash.Hex())
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("failed to get transaction receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for transaction %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
