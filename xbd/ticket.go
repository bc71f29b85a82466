package xbd

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	substrateTypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/cockroachdb/errors"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/trncs/relayerd/chains/root"
	"github.com/trncs/relayerd/chains/xrpl"
	"github.com/trncs/relayerd/config"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/metrics"
	"github.com/trncs/relayerd/relay"
)

// MaxTicketCount is the ledger's cap on tickets held by one account.
const MaxTicketCount = 250

const burnDomain = "futureverse.com"

// Ticket keeps the door accounts supplied with sequence tickets. It reacts
// to the pallet's threshold events with its own checkpoint, and a scheduled
// job reconciles ticket stock between events.
type Ticket struct {
	cfg  *config.Config
	root *root.Client
	xrpl *xrpl.Client

	rootSource *root.EventSource
	rootDB     *relay.BatchDatabase

	logger *log.RelayLogger
}

func NewTicket(cfg *config.Config, deps *Deps) *Ticket {
	logger := deps.Logger.WithChannel("xbd", "ticket", "source", "root")
	return &Ticket{
		cfg:        cfg,
		root:       deps.Root,
		xrpl:       deps.Xrpl,
		rootSource: root.NewEventSource(deps.Root, cfg.Root.PollInterval, logger),
		rootDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xbd", "ticket", "source", "root"), logger),
		logger:     logger,
	}
}

func (t *Ticket) CheckpointKey() string {
	return relay.CheckpointKey("xbd", "ticket", "source", "root")
}

func (t *Ticket) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to build scheduler")
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(t.reconcileTickets, ctx),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule ticket reconciliation")
	}
	scheduler.Start()
	defer func() { _ = scheduler.Shutdown() }()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return t.rootSource.Run(ctx, t.rootDB, t.handleRootBlock)
	})
	return eg.Wait()
}

func (t *Ticket) handleRootBlock(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
	for _, ev := range events {
		if ev.Name != root.EventXrplBridgeTicketThreshold {
			continue
		}
		result, err := t.handleThresholdReached(ctx, ev)
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("xbd.ticket.thresholdReached", string(result.Outcome)).Inc()
	}
	return tx.Commit(ctx, height)
}

func (t *Ticket) handleThresholdReached(ctx context.Context, ev *parser.Event) (relay.Result, error) {
	logger := t.logger.WithHandler("thresholdReached")

	kind := root.DoorAccountMain
	if v, err := root.FieldUint(ev, "door_account"); err == nil && v == uint64(root.DoorAccountNFT) {
		kind = root.DoorAccountNFT
	}
	currentTicket, err := root.FieldUint(ev, "current_ticket")
	if err != nil {
		currentTicket, _ = root.FieldUint(ev, "ticket_sequence")
	}
	account, seed := t.doorFor(kind)
	logger.Info("ticket threshold reached", "door", account, "currentTicket", currentTicket)

	active, err := t.activeTicketCount(ctx, account, seed, kind, int64(currentTicket), logger)
	if err != nil {
		return relay.Result{}, err
	}
	shortfall := MaxTicketCount - active
	if shortfall <= 0 {
		logger.Info("door account has full ticket stock", "door", account, "active", active)
		return relay.Done(), nil
	}

	sequence, err := t.requestTickets(ctx, account, seed, shortfall, logger)
	if err != nil {
		return relay.Result{}, err
	}
	call, err := t.root.NewCall("XRPLBridge.set_ticket_sequence_next_allocation",
		kind, substrateTypes.NewU32(uint32(sequence+1)), substrateTypes.NewU32(uint32(shortfall)))
	if err != nil {
		return relay.Result{}, err
	}
	if _, err := t.root.SubmitExtrinsic(ctx, call); err != nil {
		return relay.Result{}, err
	}
	logger.InfoContext(ctx, "allocated next ticket sequence",
		"door", account, "start", sequence+1, "count", shortfall)

	checkRootBalance(t.root, t.cfg.Root.MinXrpDrops, logger)
	checkDoorBalance(ctx, t.xrpl, account, t.cfg.Xrpl.MinXrpDrops, logger)
	return relay.Done(), nil
}

// activeTicketCount burns tickets that fell behind the door sequence, except
// the preserved set, and returns how many usable tickets remain.
func (t *Ticket) activeTicketCount(ctx context.Context, account, seed string, kind root.DoorAccountKind, currentTicket int64, logger *log.RelayLogger) (int, error) {
	preserved := t.cfg.Xrpl.PreservedMainTickets
	if kind == root.DoorAccountNFT {
		preserved = t.cfg.Xrpl.PreservedNftTickets
	}
	all, err := t.xrpl.AccountTickets(ctx, account)
	if err != nil {
		return 0, err
	}

	burnt := 0
	for _, ticket := range all {
		if ticket >= currentTicket || containsTicket(preserved, ticket) {
			continue
		}
		if err := t.burnTicket(ctx, account, seed, ticket); err != nil {
			logger.ErrorWithStack("failed to burn unused ticket", err)
			continue
		}
		burnt++
	}
	logger.Warn("reconciled door tickets",
		"door", account, "burnt", burnt, "active", len(all)-burnt)
	return len(all) - burnt, nil
}

// burnTicket consumes a stale ticket with a no-op AccountSet.
func (t *Ticket) burnTicket(ctx context.Context, account, seed string, ticket int64) error {
	_, err := t.xrpl.SignAndSubmit(ctx, map[string]any{
		"TransactionType": "AccountSet",
		"Account":         account,
		"Domain":          hex.EncodeToString([]byte(burnDomain)),
		"TicketSequence":  ticket,
		"Sequence":        0,
		"Fee":             "10",
	}, seed)
	return err
}

// requestTickets issues a TicketCreate and returns the consumed account
// sequence, which anchors the pallet's next allocation.
func (t *Ticket) requestTickets(ctx context.Context, account, seed string, count int, logger *log.RelayLogger) (int64, error) {
	info, err := t.xrpl.AccountInfo(ctx, account)
	if err != nil {
		return 0, err
	}
	result, err := t.xrpl.SignAndSubmit(ctx, map[string]any{
		"TransactionType": "TicketCreate",
		"Account":         account,
		"TicketCount":     count,
		"Sequence":        info.AccountData.Sequence,
		"Fee":             "10",
	}, seed)
	if err != nil {
		return 0, err
	}
	logger.Info("requested additional tickets",
		"door", account, "count", count, "xrplHash", result.Hash, "sequence", info.AccountData.Sequence)
	return info.AccountData.Sequence, nil
}

// reconcileTickets warns when a door account is close to running dry between
// threshold events.
func (t *Ticket) reconcileTickets(ctx context.Context) {
	logger := t.logger.WithHandler("reconcile")
	for _, kind := range []root.DoorAccountKind{root.DoorAccountMain, root.DoorAccountNFT} {
		account, _ := t.doorFor(kind)
		if account == "" {
			continue
		}
		tickets, err := t.xrpl.AccountTickets(ctx, account)
		if err != nil {
			logger.ErrorWithStack("failed to fetch door tickets", err)
			continue
		}
		if len(tickets) < MaxTicketCount/10 {
			logger.Warn("door account is low on tickets", "door", account, "tickets", len(tickets))
			continue
		}
		logger.Info("door ticket stock", "door", account, "tickets", len(tickets))
	}
}

func (t *Ticket) doorFor(kind root.DoorAccountKind) (account, seed string) {
	if kind == root.DoorAccountNFT {
		return t.cfg.Xrpl.MinterDoorAccount, t.cfg.Xrpl.MinterDoorSeed
	}
	return t.cfg.Xrpl.DoorAccount, t.cfg.Xrpl.DoorSeed
}

func containsTicket(list []int64, ticket int64) bool {
	for _, t := range list {
		if t == ticket {
			return true
		}
	}
	return false
}
