package main

import (
	"fmt"
	"time"

	x402 "github.com/becomeliminal/x402-paywall"
	"github.com/becomeliminal/x402-paywall/evm"
	"github.com/becomeliminal/x402-paywall/store"
	"github.com/becomeliminal/x402-paywall/subscription"
	"github.com/becomeliminal/x402-paywall/subscription/pg"
)

func newStore(cfg Config) (store.Store, error) {
	switch cfg.StoreType {
	case "memory":
		return store.NewMemory(), nil
	case "file":
		return store.NewFile(cfg.StoreConfig["path"])
	case "sqlite":
		return store.NewSQLite(cfg.StoreConfig["path"])
	case "postgres":
		dsn := cfg.StoreConfig["dsn"]
		if dsn == "" {
			return nil, fmt.Errorf("store_config.dsn is required for the postgres store")
		}
		return store.NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.StoreType)
	}
}

func newVerifier(cfg Config) (x402.Verifier, error) {
	switch cfg.VerifierType {
	case "signature":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("secret is required for the signature verifier")
		}
		return &x402.SignatureVerifier{Secret: []byte(cfg.Secret)}, nil
	case "facilitator":
		if cfg.FacilitatorURL == "" {
			return nil, fmt.Errorf("facilitator_url is required for the facilitator verifier")
		}
		return x402.NewFacilitatorVerifier(cfg.FacilitatorURL, 10*time.Second), nil
	case "evm":
		network, err := evm.KnownNetwork(cfg.Network, cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		v, err := evm.NewReceiptVerifier(network)
		if err != nil {
			return nil, err
		}
		if cfg.Secret != "" {
			v.Secret = []byte(cfg.Secret)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown verifier type %q", cfg.VerifierType)
	}
}

func newSubscriptions(cfg Config) (*subscription.Service, error) {
	if cfg.SubscriptionDBURL == "" {
		return subscription.New(subscription.NewMemoryRepo()), nil
	}

	repo, err := pg.New(cfg.SubscriptionDBURL)
	if err != nil {
		return nil, err
	}
	return subscription.New(repo), nil
}
