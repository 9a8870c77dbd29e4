package evm

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/becomeliminal/x402-paywall"
)

// transferEventSig is the topic of the ERC-20 Transfer(address,address,uint256) event.
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptVerifier verifies proofs by inspecting the settlement transaction on chain.
// It implements x402.Verifier.
type ReceiptVerifier struct {
	networks map[string]Network
	clients  clientPool

	// Secret, when set, also requires the proof signature to match x402.DeriveSignature.
	Secret []byte
}

// NewReceiptVerifier creates a verifier for the given networks.
func NewReceiptVerifier(networks ...Network) (*ReceiptVerifier, error) {
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
	return &ReceiptVerifier{networks: byName}, nil
}

// Close releases the RPC connections opened by Verify.
func (v *ReceiptVerifier) Close() error {
	v.clients.close()
	return nil
}

func invalid(format string, args ...any) *x402.VerificationResult {
	return &x402.VerificationResult{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Verify checks that proof.TxHash is a successful transaction carrying an
// ERC-20 Transfer of at least challenge.Amount to challenge.Receiver.
func (v *ReceiptVerifier) Verify(ctx context.Context, proof *x402.PaymentProof, challenge *x402.PaymentChallenge) (*x402.VerificationResult, error) {
	network, ok := v.networks[strings.ToLower(challenge.Network)]
	if !ok {
		return invalid("unsupported network: %s", challenge.Network), nil
	}

	token, ok := network.Token(challenge.Asset)
	if !ok {
		return invalid("unsupported asset %s on %s", challenge.Asset, network.Name), nil
	}

	if len(v.Secret) > 0 {
		expected := x402.DeriveSignature(v.Secret, proof.TxHash, challenge)
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(proof.Signature)), []byte(strings.ToLower(expected))) != 1 {
			return invalid("signature mismatch"), nil
		}
	}

	hashBytes, err := common.ParseHexOrString(proof.TxHash)
	if err != nil || len(hashBytes) != common.HashLength || !strings.HasPrefix(proof.TxHash, "0x") {
		return invalid("invalid transaction hash"), nil
	}

	if !common.IsHexAddress(challenge.Receiver) {
		return invalid("invalid receiver address"), nil
	}
	receiver := common.HexToAddress(challenge.Receiver)

	required, err := ToBaseUnits(challenge.Amount, token.Decimals)
	if err != nil {
		return invalid("invalid challenge amount: %v", err), nil
	}

	ethClient, err := v.clients.get(network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial Ethereum RPC client: %w", err)
	}

	receipt, err := ethClient.TransactionReceipt(ctx, common.BytesToHash(hashBytes))
	if errors.Is(err, ethereum.NotFound) {
		return invalid("transaction not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return invalid("transaction failed"), nil
	}

	paid, from := transferredTo(receipt, token.Address, receiver)
	if paid.Cmp(required) < 0 {
		return invalid("transferred %s %s, challenge requires %s",
			FromBaseUnits(paid, token.Decimals), token.Symbol, challenge.Amount), nil
	}

	return &x402.VerificationResult{Valid: true, Payer: from.Hex()}, nil
}

// transferredTo sums the token transfers to receiver in receipt and returns
// the sender of the first one.
func transferredTo(receipt *ethtypes.Receipt, token, receiver common.Address) (*big.Int, common.Address) {
	total := new(big.Int)
	var from common.Address

	for _, log := range receipt.Logs {
		if log.Address != token || len(log.Topics) != 3 || log.Topics[0] != transferEventSig {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != receiver {
			continue
		}

		if total.Sign() == 0 {
			from = common.BytesToAddress(log.Topics[1].Bytes())
		}
		total.Add(total, new(big.Int).SetBytes(log.Data))
	}

	return total, from
}
