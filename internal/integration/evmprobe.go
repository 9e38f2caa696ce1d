package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// EVMOptions parameterise an EVM chain head probe.
type EVMOptions struct {
	Name      string
	RPCURL    string
	Timeout   time.Duration
	Freshness time.Duration
}

// EVMProbe checks an Ethereum RPC endpoint by reading the latest block
// header. A reachable node serving a stale head still fails the probe.
type EVMProbe struct {
	opts      EVMOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
	now       func() time.Time
}

// NewEVMProbe builds an EVM prober. The RPC connection is dialed lazily
// on first use.
func NewEVMProbe(opts EVMOptions, logger zerolog.Logger) *EVMProbe {
	return &EVMProbe{
		opts:   opts,
		logger: logger.With().Str("component", "evm_probe").Str("integration", opts.Name).Logger(),
		now:    time.Now,
	}
}

// Name implements Prober.
func (p *EVMProbe) Name() string { return p.opts.Name }

// Probe implements Prober.
func (p *EVMProbe) Probe(ctx context.Context) error {
	if p.opts.RPCURL == "" {
		return errors.New("evm rpc url not configured")
	}

	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := p.getClient(ctx)
	if err != nil {
		return err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}

	if p.opts.Freshness > 0 {
		headTime := time.Unix(int64(header.Time), 0)
		if age := p.now().Sub(headTime); age > p.opts.Freshness {
			return fmt.Errorf("chain head %s stale: age %s exceeds %s",
				header.Number, age.Truncate(time.Second), p.opts.Freshness)
		}
	}
	return nil
}

func (p *EVMProbe) getClient(ctx context.Context) (*ethclient.Client, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

var _ Prober = (*EVMProbe)(nil)
