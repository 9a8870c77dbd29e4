package evm

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient is the subset of the go-ethereum client used for paying and verifying.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// NewEthClient dials an RPC endpoint. This function can be overridden in tests.
var NewEthClient = func(rpcURL string) (EthClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// clientPool dials each RPC endpoint once and reuses the connection.
type clientPool struct {
	mu      sync.Mutex
	clients map[string]EthClient
}

func (p *clientPool) get(rpcURL string) (EthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[rpcURL]; ok {
		return c, nil
	}

	c, err := NewEthClient(rpcURL)
	if err != nil {
		return nil, err
	}
	if p.clients == nil {
		p.clients = make(map[string]EthClient)
	}
	p.clients[rpcURL] = c
	return c, nil
}

func (p *clientPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for url, c := range p.clients {
		c.Close()
		delete(p.clients, url)
	}
}
