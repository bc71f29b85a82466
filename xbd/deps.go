package xbd

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/root"
	"github.com/trncs/relayerd/chains/xrpl"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/metrics"
	"github.com/trncs/relayerd/relay"
)

// Deps are the per-process shared resources, constructed once at start and
// passed into every service.
type Deps struct {
	Root        *root.Client
	Xrpl        *xrpl.Client
	DB          *gorm.DB
	Checkpoints relay.CheckpointStore
	Logger      *log.RelayLogger
}

// decodeAddressMemo extracts the Root destination address carried in the
// payment's first memo. Memo data is hex per the ledger format; the decoded
// string must be a 0x-prefixed 20-byte address.
func decodeAddressMemo(memos []string) (string, bool) {
	for _, data := range memos {
		raw, err := hex.DecodeString(data)
		if err != nil {
			continue
		}
		addr := strings.TrimSpace(string(raw))
		if len(addr) == 42 && strings.HasPrefix(addr, "0x") {
			return addr, true
		}
	}
	return "", false
}

// checkDoorBalance warns when the door account's XRP balance is running low.
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
	logger.Warn("door account balance is below the configured minimum",
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
