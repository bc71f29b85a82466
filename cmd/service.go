package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/ethereum"
	"github.com/trncs/relayerd/chains/root"
	"github.com/trncs/relayerd/chains/xrpl"
	"github.com/trncs/relayerd/config"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/models"
	"github.com/trncs/relayerd/relay"
	"github.com/trncs/relayerd/server"
)

// service is one relay daemon. Services with a primary checkpoint also
// implement CheckpointKey, which the health probe watches.
type service interface {
	Run(ctx context.Context) error
}

type checkpointed interface {
	CheckpointKey() string
}

// runtime bundles the resources every daemon shares: configuration, logger,
// tracking-record store and checkpoint store.
type runtime struct {
	cfg         *config.Config
	logger      *log.RelayLogger
	db          *gorm.DB
	checkpoints *relay.RedisCheckpointStore
}

func newRuntime() (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := log.InitLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogOutput, cfg.Global.SlackWebhookURL); err != nil {
		return nil, err
	}
	logger := log.GetLogger()

	db, err := gorm.Open(postgres.Open(cfg.Global.DatabaseURL), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open the tracking database")
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, errors.Wrap(err, "failed to migrate the tracking database")
	}

	checkpoints, err := relay.NewRedisCheckpointStore(cfg.Global.RedisURL)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, db: db, checkpoints: checkpoints}, nil
}

func (r *runtime) Close() {
	_ = r.checkpoints.Close()
}

func (r *runtime) rootClient() (*root.Client, error) {
	return root.NewClient(r.cfg.Root.WSEndpoint, r.cfg.Root.RelayerSeed, r.cfg.Root.HTTPEndpoints, r.logger)
}

func (r *runtime) ethClient(ctx context.Context) (*ethereum.Client, error) {
	return ethereum.NewClient(ctx, r.cfg.Eth.RPCURL, r.cfg.Eth.RelayerKey)
}

func (r *runtime) xrplClient() *xrpl.Client {
	return xrpl.NewClient(r.cfg.Xrpl.APIURL, r.logger)
}

// runDaemon runs the service together with its health/metrics server until
// a signal arrives or either fails.
func runDaemon(cmd *cobra.Command, rt *runtime, svc service) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var key string
	if ck, ok := svc.(checkpointed); ok {
		key = ck.CheckpointKey()
	}
	srv := server.New(rt.cfg.Global.HealthAddr, rt.checkpoints, key, rt.logger)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return svc.Run(ctx)
	})
	eg.Go(func() error {
		return srv.Run(ctx)
	})
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.ErrorWithStack("daemon stopped", err)
		return err
	}
	rt.logger.Info("daemon stopped")
	return nil
}
