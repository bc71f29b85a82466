package ebd

import (
	"context"
	"math/big"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/ethereum"
	"github.com/trncs/relayerd/chains/root"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/metrics"
	"github.com/trncs/relayerd/relay"
)

// Deps are the per-process shared resources, constructed once at start and
// passed into every service.
type Deps struct {
	Eth         *ethereum.Client
	Root        *root.Client
	DB          *gorm.DB
	Checkpoints relay.CheckpointStore
	Logger      *log.RelayLogger
}

var (
	addressType, _      = ethabi.NewType("address", "", nil)
	uint256Type, _      = ethabi.NewType("uint256", "", nil)
	addressSliceType, _ = ethabi.NewType("address[]", "", nil)
	uint32Type, _       = ethabi.NewType("uint32", "", nil)
)

// checkRootBalance warns when the relayer account on Root is running low.
// The submission that triggered the check has already succeeded; low balance
// is an operator concern, never a processing failure.
func checkRootBalance(client *root.Client, minDrops string, logger *log.RelayLogger) {
	if minDrops == "" {
		return
	}
	min, ok := new(big.Int).SetString(minDrops, 10)
	if !ok {
		return
	}
	sufficient, balance, err := client.CheckBalance(min)
	if err != nil {
		logger.ErrorWithStack("failed to check relayer balance", err)
		return
	}
	if sufficient {
		metrics.LowBalanceGauge.WithLabelValues("root", client.Address()).Set(0)
		return
	}
	metrics.LowBalanceGauge.WithLabelValues("root", client.Address()).Set(1)
	logger.Warn("relayer balance is below the configured minimum",
		"account", client.Address(), "balance", balance.String(), "min", minDrops)
}

// checkEthBalance warns when the relayer's Ethereum account is running low.
func checkEthBalance(ctx context.Context, client *ethereum.Client, minWei string, logger *log.RelayLogger) {
	if minWei == "" {
		return
	}
	min, ok := new(big.Int).SetString(minWei, 10)
	if !ok {
		return
	}
	sufficient, balance, err := client.CheckBalance(ctx, client.Address(), min)
	if err != nil {
		logger.ErrorWithStack("failed to check relayer balance", err)
		return
	}
	if sufficient {
		metrics.LowBalanceGauge.WithLabelValues("eth", client.Address().Hex()).Set(0)
		return
	}
	metrics.LowBalanceGauge.WithLabelValues("eth", client.Address().Hex()).Set(1)
	logger.Warn("relayer balance is below the configured minimum",
		"account", client.Address().Hex(), "balance", balance.String(), "min", minWei)
}
