package xbd

import (
	"context"

	"github.com/trncs/relayerd/chains/xrpl"
	"github.com/trncs/relayerd/config"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/relay"
)

// Trustline watches the door account's trust lines and alerts operators on
// any change. A new or widened line changes which assets the door can hold,
// which is always an operator decision, never the relayer's.
type Trustline struct {
	cfg    *config.Config
	xrpl   *xrpl.Client
	logger *log.RelayLogger

	// known maps account|currency to the last observed limit.
	known map[string]string
}

func NewTrustline(cfg *config.Config, deps *Deps) *Trustline {
	return &Trustline{
		cfg:    cfg,
		xrpl:   deps.Xrpl,
		logger: deps.Logger.WithChannel("xbd", "trustline", "source", "xrpl"),
		known:  make(map[string]string),
	}
}

func (t *Trustline) Run(ctx context.Context) error {
	baseline := true
	for {
		lines, err := t.xrpl.AccountLines(ctx, t.cfg.Xrpl.DoorAccount)
		if err != nil {
			t.logger.ErrorWithStack("failed to fetch door trust lines", err)
		} else {
			t.diff(lines, baseline)
			baseline = false
		}
		if err := relay.Wait(ctx, t.cfg.Xrpl.PollInterval); err != nil {
			return err
		}
	}
}

func (t *Trustline) diff(lines []xrpl.TrustLine, baseline bool) {
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		key := line.Account + "|" + line.Currency
		seen[key] = true
		prev, ok := t.known[key]
		switch {
		case !ok && baseline:
			t.known[key] = line.Limit
		case !ok:
			t.known[key] = line.Limit
			t.logger.Warn("new trust line on the door account",
				"peer", line.Account, "currency", line.Currency, "limit", line.Limit)
		case prev != line.Limit:
			t.known[key] = line.Limit
			t.logger.Warn("trust line limit changed on the door account",
				"peer", line.Account, "currency", line.Currency, "limit", line.Limit, "previous", prev)
		}
	}
	for key := range t.known {
		if !seen[key] {
			delete(t.known, key)
			t.logger.Warn("trust line removed from the door account", "line", key)
		}
	}
	if baseline {
		t.logger.Info("recorded trust line baseline", "lines", len(lines))
	}
}
