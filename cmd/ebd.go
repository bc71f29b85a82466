package cmd

import (
	"github.com/spf13/cobra"

	"github.com/trncs/relayerd/ebd"
)

func ebdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ebd",
		Short: "Ethereum bridge daemon",
	}
	cmd.AddCommand(
		ebdChannelCmd("inbox", "Relay Ethereum deposits to Root"),
		ebdChannelCmd("outbox", "Relay Root withdrawals to Ethereum"),
	)
	return cmd
}

func ebdChannelCmd(channel, short string) *cobra.Command {
	return &cobra.Command{
		Use:   channel,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			deps, err := ebdDeps(cmd, rt)
			if err != nil {
				return err
			}
			var svc service
			switch channel {
			case "inbox":
				svc = ebd.NewInbox(rt.cfg, deps)
			default:
				svc = ebd.NewOutbox(rt.cfg, deps)
			}
			return runDaemon(cmd, rt, svc)
		},
	}
}

func ebdDeps(cmd *cobra.Command, rt *runtime) (*ebd.Deps, error) {
	eth, err := rt.ethClient(cmd.Context())
	if err != nil {
		return nil, err
	}
	rootClient, err := rt.rootClient()
	if err != nil {
		return nil, err
	}
	return &ebd.Deps{
		Eth:         eth,
		Root:        rootClient,
		DB:          rt.db,
		Checkpoints: rt.checkpoints,
		Logger:      rt.logger,
	}, nil
}
