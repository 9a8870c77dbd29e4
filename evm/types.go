// Package evm pays and verifies x402 challenges with ERC-20 transfers on
// EVM-compatible chains.
package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token is an ERC-20 token accepted as a payment asset.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Network describes a chain and the tokens it settles.
type Network struct {
	Name    string
	ChainID int64
	RPCURL  string
	Tokens  []Token
}

// Token returns the token with the given symbol.
func (n Network) Token(symbol string) (Token, bool) {
	for _, t := range n.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}

// Well-known USDC deployments. RPCURL must be filled in by the caller.
var (
	BaseSepolia = Network{
		Name:    "base-sepolia",
		ChainID: 84532,
		Tokens:  []Token{{Symbol: "USDC", Address: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"), Decimals: 6}},
	}
	Base = Network{
		Name:    "base",
		ChainID: 8453,
		Tokens:  []Token{{Symbol: "USDC", Address: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), Decimals: 6}},
	}
	EthSepolia = Network{
		Name:    "ETH-SEPOLIA",
		ChainID: 11155111,
		Tokens:  []Token{{Symbol: "USDC", Address: common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"), Decimals: 6}},
	}
)

// KnownNetwork returns a well-known network by name with rpcURL filled in.
func KnownNetwork(name, rpcURL string) (Network, error) {
	for _, n := range []Network{BaseSepolia, Base, EthSepolia} {
		if strings.EqualFold(n.Name, name) {
			n.RPCURL = rpcURL
			return n, nil
		}
	}
	return Network{}, fmt.Errorf("unknown network %q", name)
}

// ToBaseUnits converts a decimal token amount into integer base units.
// Amounts with more precision than the token supports are rejected.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q must not be negative", amount)
	}

	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", amount, decimals)
	}
	return units.BigInt(), nil
}

// FromBaseUnits formats integer base units as a decimal token amount.
func FromBaseUnits(units *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(units, -decimals).String()
}
