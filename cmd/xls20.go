package cmd

import (
	"github.com/spf13/cobra"

	"github.com/trncs/relayerd/xls20d"
)

func xls20Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xls20",
		Short: "XLS-20 NFT bridge daemon",
	}
	cmd.AddCommand(
		xls20ChannelCmd("inbox", "Relay XRPL NFT offers to Root"),
		xls20ChannelCmd("outbox", "Mint Root NFTs on XRPL"),
	)
	return cmd
}

func xls20ChannelCmd(channel, short string) *cobra.Command {
	return &cobra.Command{
		Use:   channel,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			deps, err := xls20Deps(rt)
			if err != nil {
				return err
			}
			var svc service
			switch channel {
			case "inbox":
				svc = xls20d.NewInbox(rt.cfg, deps)
			default:
				svc = xls20d.NewOutbox(rt.cfg, deps)
			}
			return runDaemon(cmd, rt, svc)
		},
	}
}

func xls20Deps(rt *runtime) (*xls20d.Deps, error) {
	rootClient, err := rt.rootClient()
	if err != nil {
		return nil, err
	}
	return &xls20d.Deps{
		Root:        rootClient,
		Xrpl:        rt.xrplClient(),
		DB:          rt.db,
		Checkpoints: rt.checkpoints,
		Logger:      rt.logger,
	}, nil
}
