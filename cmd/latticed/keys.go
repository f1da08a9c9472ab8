package main

import (
	"fmt"

	"github.com/nats-io/nkeys"
	"github.com/spf13/cobra"
)

var keyTypes = map[string]nkeys.PrefixByte{
	"account":  nkeys.PrefixByteAccount,
	"server":   nkeys.PrefixByteServer,
	"user":     nkeys.PrefixByteUser,
	"operator": nkeys.PrefixByteOperator,
	"cluster":  nkeys.PrefixByteCluster,
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage nkeys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "gen <account|server|user|operator|cluster>",
		Short: "Generate a key pair",
		Long: `Generate an ed25519 key pair. Use account keys to sign claims and server
keys as host seeds.`,
		Example: `  latticed keys gen account`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, ok := keyTypes[args[0]]
			if !ok {
				return fmt.Errorf("unknown key type %q", args[0])
			}
			kp, err := nkeys.CreatePair(prefix)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			pub, err := kp.PublicKey()
			if err != nil {
				return err
			}
			seed, err := kp.Seed()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Public Key: %s\nSeed: %s\n", pub, seed)
			return nil
		},
	})
	return cmd
}
