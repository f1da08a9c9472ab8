package main

import (
	"github.com/spf13/cobra"
)

// newCtlCmd groups the commands that drive hosts over the control interface.
func newCtlCmd() *cobra.Command {
	opts := DefaultCommonOptions()
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control running hosts on a lattice",
		Long: `Send control interface requests to the hosts of a lattice. Commands that
target one host use --host, or the only host that answers a ping.`,
	}
	opts.RegisterFlags(cmd)

	cmd.AddCommand(
		newGetCmd(&opts),
		newStartCmd(&opts),
		newStopCmd(&opts),
		newLabelCmd(&opts),
		newLinkCmd(&opts),
		newConfigCmd(&opts),
		newAuctionCmd(&opts),
	)
	return cmd
}
