package ethereum

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client owns the process's single Ethereum connection and the relayer's
// signing key. It is constructed once at process start and passed to the
// event source and submitter.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int

	key     *ecdsa.PrivateKey
	address common.Address
}

func NewClient(ctx context.Context, rpcURL, relayerKeyHex string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial ethereum rpc %q", rpcURL)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query chain id")
	}
	c := &Client{eth: eth, chainID: chainID}
	if relayerKeyHex != "" {
		key, err := crypto.HexToECDSA(relayerKeyHex)
		if err != nil {
			return nil, errors.Wrap(err, "invalid relayer key")
		}
		c.key = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// Address returns the relayer's signing address; zero when no key is loaded.
func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query block number")
	}
	return int64(n), nil
}

// FilterLogs fetches the logs matching q from the connected node.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "failed to filter logs")
	}
	return logs, nil
}

// CheckBalance reports whether account holds at least minWei, along with the
// current balance.
func (c *Client) CheckBalance(ctx context.Context, account common.Address, minWei *big.Int) (bool, *big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return false, nil, errors.Wrapf(err, "failed to query balance of %s", account)
	}
	return balance.Cmp(minWei) >= 0, balance, nil
}

func (c *Client) Close() {
	c.eth.Close()
}
