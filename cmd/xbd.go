package cmd

import (
	"github.com/spf13/cobra"

	"github.com/trncs/relayerd/xbd"
)

func xbdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xbd",
		Short: "XRPL bridge daemon",
	}
	cmd.AddCommand(
		xbdChannelCmd("inbox", "Relay XRPL door payments to Root"),
		xbdChannelCmd("outbox", "Relay Root withdrawals to XRPL"),
		xbdChannelCmd("ticket", "Keep the door accounts supplied with tickets"),
		xbdChannelCmd("trustline", "Monitor door-account trustlines"),
	)
	return cmd
}

func xbdChannelCmd(channel, short string) *cobra.Command {
	return &cobra.Command{
		Use:   channel,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			deps, err := xbdDeps(rt)
			if err != nil {
				return err
			}
			var svc service
			switch channel {
			case "inbox":
				svc = xbd.NewInbox(rt.cfg, deps)
			case "outbox":
				svc = xbd.NewOutbox(rt.cfg, deps)
			case "ticket":
				svc = xbd.NewTicket(rt.cfg, deps)
			default:
				svc = xbd.NewTrustline(rt.cfg, deps)
			}
			return runDaemon(cmd, rt, svc)
		},
	}
}

func xbdDeps(rt *runtime) (*xbd.Deps, error) {
	rootClient, err := rt.rootClient()
	if err != nil {
		return nil, err
	}
	return &xbd.Deps{
		Root:        rootClient,
		Xrpl:        rt.xrplClient(),
		DB:          rt.db,
		Checkpoints: rt.checkpoints,
		Logger:      rt.logger,
	}, nil
}
