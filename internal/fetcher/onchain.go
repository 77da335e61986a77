package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const erc20SymbolABIJSON = `[{"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}]`

var erc20SymbolABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20SymbolABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 symbol ABI: " + err.Error())
	}
	erc20SymbolABI = parsed
}

// OnChainOptions parameterise the ERC-20 metadata reader.
type OnChainOptions struct {
	RPCURL          string
	ContractAddress string
	Timeout         time.Duration
}

// OnChain reads token metadata straight from the token contract.
type OnChain struct {
	opts      OnChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewOnChain builds an ERC-20 metadata reader.
func NewOnChain(opts OnChainOptions, logger zerolog.Logger) *OnChain {
	return &OnChain{opts: opts, logger: logger.With().Str("component", "onchain").Logger()}
}

// FetchSymbol calls symbol() on the token contract.
func (o *OnChain) FetchSymbol(ctx context.Context) (string, error) {
	if o.opts.RPCURL == "" {
		return "", errors.New("chain rpc url not configured")
	}
	if !common.IsHexAddress(o.opts.ContractAddress) {
		return "", fmt.Errorf("invalid token contract address %q", o.opts.ContractAddress)
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return "", fmt.Errorf("dial rpc: %w", err)
	}

	payload, err := erc20SymbolABI.Pack("symbol")
	if err != nil {
		return "", err
	}

	addr := common.HexToAddress(o.opts.ContractAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return "", fmt.Errorf("call symbol(): %w", err)
	}

	outputs, err := erc20SymbolABI.Unpack("symbol", res)
	if err != nil {
		return "", fmt.Errorf("decode symbol(): %w", err)
	}
	if len(outputs) != 1 {
		return "", errors.New("unexpected symbol() response")
	}

	symbol, ok := outputs[0].(string)
	if !ok || strings.TrimSpace(symbol) == "" {
		return "", errors.New("token returned an empty symbol")
	}

	o.logger.Info().Str("symbol", symbol).Str("contract", addr.Hex()).Msg("token symbol resolved")
	return strings.TrimSpace(symbol), nil
}

func (o *OnChain) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

// Close releases the RPC connection, if one was opened.
func (o *OnChain) Close() {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()
	if o.client != nil {
		o.client.Close()
		o.client = nil
	}
}

var _ SymbolFetcher = (*OnChain)(nil)
