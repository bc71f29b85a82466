package xls20d

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/root"
	"github.com/trncs/relayerd/chains/xrpl"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/metrics"
	"github.com/trncs/relayerd/relay"
)

// The minter door account carries a fixed source tag so its transactions
// can be told apart on public explorers.
const minterSourceTag = 38887387

// Deps are the per-process shared resources, constructed once at start and
// passed into every service.
type Deps struct {
	Root        *root.Client
	Xrpl        *xrpl.Client
	DB          *gorm.DB
	Checkpoints relay.CheckpointStore
	Logger      *log.RelayLogger
}

// requestNonce is the natural key of one minted token, carried in the mint
// transaction's memo so the XRPL side can correlate it back.
func requestNonce(collectionID uint32, serialNumber uint32) string {
	return fmt.Sprintf("%d_%d", collectionID, serialNumber)
}

// memoValue returns the decoded data of the first memo whose type matches,
// or the first memo when memoType is empty.
func memoValue(memos []xrpl.Memo, memoType string) (string, bool) {
	for _, memo := range memos {
		if memoType != "" {
			decodedType, err := hex.DecodeString(memo.MemoType)
			if err != nil || string(decodedType) != memoType {
				continue
			}
		}
		raw, err := hex.DecodeString(memo.MemoData)
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(raw)), true
	}
	return "", false
}

// checkDoorBalance warns when the minter door's XRP balance is running low.
func checkDoorBalance(ctx context.Context, client *xrpl.Client, account, minDrops string, logger *log.RelayLogger) {
	if minDrops == "" {
		return
	}
	min, ok := new(big.Int).SetString(minDrops, 10)
	if !ok {
		return
	}
	info, err := client.AccountInfo(ctx, account)
	if err != nil {
		logger.ErrorWithStack("failed to check door balance", err)
		return
	}
	balance, err := xrpl.ParseDrops(info.AccountData.Balance)
	if err != nil {
		logger.ErrorWithStack("failed to parse door balance", err)
		return
	}
	if balance.Cmp(min) >= 0 {
		metrics.LowBalanceGauge.WithLabelValues("xrpl", account).Set(0)
		return
	}
	metrics.LowBalanceGauge.WithLabelValues("xrpl", account).Set(1)
	logger.Warn("minter door balance is below the configured minimum",
		"account", account, "balance", balance.String(), "min", minDrops)
}

// checkRootBalance warns when the relayer account on Root is running low.
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
