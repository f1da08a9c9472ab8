package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/infrastructure/claims"
	"github.com/reglet-dev/latticed/internal/infrastructure/images"
	"github.com/reglet-dev/latticed/internal/infrastructure/output"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newClaimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Sign and inspect unit claims",
	}
	cmd.AddCommand(newClaimsSignCmd(), newClaimsInspectCmd())
	return cmd
}

type signOptions struct {
	kind       string
	name       string
	contractID string
	caps       []string
	tags       []string
	version    string
	revision   int
	expires    time.Duration
	issuerSeed string
	subjectKey string
}

func newClaimsSignCmd() *cobra.Command {
	opts := signOptions{kind: string(capabilities.UnitActor)}
	cmd := &cobra.Command{
		Use:   "sign <path>",
		Short: "Write a signed claims token next to an actor module or provider executable",
		Long: `Mint a claims token for the unit at <path> and write it to <path>.jwt.
The issuer account seed comes from --issuer-seed or LATTICED_ISSUER_SEED; a
new account is generated when neither is set. A new subject key is generated
unless --subject is given.`,
		Example: `  latticed claims sign echo.wasm --name echo --caps wasmcloud:httpserver
  latticed claims sign ./kvredis --kind provider --contract wasmcloud:keyvalue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.issuerSeed == "" {
				opts.issuerSeed = viper.GetString("issuer-seed")
			}
			return runClaimsSign(cmd, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.kind, "kind", opts.kind, "unit kind: actor or provider")
	flags.StringVar(&opts.name, "name", "", "display name")
	flags.StringVar(&opts.contractID, "contract", "", "contract id the provider implements")
	flags.StringSliceVar(&opts.caps, "caps", nil, "contract ids the actor may call")
	flags.StringSliceVar(&opts.tags, "tags", nil, "free-form tags")
	flags.StringVar(&opts.version, "ver", "", "human readable version")
	flags.IntVar(&opts.revision, "rev", 0, "monotonic revision")
	flags.DurationVar(&opts.expires, "expires", 0, "token lifetime (0 never expires)")
	flags.StringVar(&opts.issuerSeed, "issuer-seed", "", "account seed that signs the token")
	flags.StringVar(&opts.subjectKey, "subject", "", "subject public key (default: generate one)")
	return cmd
}

func runClaimsSign(cmd *cobra.Command, path string, opts signOptions) error {
	kind := capabilities.UnitKind(opts.kind)
	switch kind {
	case capabilities.UnitActor:
	case capabilities.UnitProvider:
		if opts.contractID == "" {
			return fmt.Errorf("--contract is required for providers")
		}
	default:
		return fmt.Errorf("unknown kind %q (expected actor or provider)", opts.kind)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to stat unit: %w", err)
	}

	issuer, err := issuerKey(cmd, opts.issuerSeed)
	if err != nil {
		return err
	}
	subject := opts.subjectKey
	if subject == "" {
		if subject, err = newSubject(cmd, kind); err != nil {
			return err
		}
	}

	c := &capabilities.Claims{
		Subject:    subject,
		Kind:       kind,
		Name:       opts.name,
		ContractID: opts.contractID,
		Version:    opts.version,
		Revision:   opts.revision,
		Tags:       opts.tags,
		Grant:      capabilities.NewGrant(opts.caps...),
	}
	if opts.expires > 0 {
		c.Expires = time.Now().Add(opts.expires)
	}
	token, err := claims.Sign(issuer, c)
	if err != nil {
		return err
	}

	//nolint:gosec // G306: claims tokens are public
	if err := os.WriteFile(path+images.TokenSuffix, []byte(token+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write claims token: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s%s for %s\n", path, images.TokenSuffix, subject)
	return nil
}

// issuerKey parses the account seed, or generates an account and prints its seed.
func issuerKey(cmd *cobra.Command, seed string) (nkeys.KeyPair, error) {
	if seed != "" {
		kp, err := nkeys.FromSeed([]byte(seed))
		if err != nil {
			return nil, fmt.Errorf("failed to parse issuer seed: %w", err)
		}
		if pub, _ := kp.PublicKey(); !nkeys.IsValidPublicAccountKey(pub) {
			return nil, fmt.Errorf("issuer seed is not an account key")
		}
		return kp, nil
	}
	kp, err := nkeys.CreateAccount()
	if err != nil {
		return nil, err
	}
	seedBytes, err := kp.Seed()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "generated issuer seed %s\n", seedBytes)
	return kp, nil
}

// newSubject generates a user key for actors and a server key for providers.
func newSubject(cmd *cobra.Command, kind capabilities.UnitKind) (string, error) {
	prefix := nkeys.PrefixByteUser
	if kind == capabilities.UnitProvider {
		prefix = nkeys.PrefixByteServer
	}
	kp, err := nkeys.CreatePair(prefix)
	if err != nil {
		return "", err
	}
	seed, err := kp.Seed()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "generated subject seed %s\n", seed)
	return kp.PublicKey()
}

func newClaimsInspectCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect <path|token>",
		Short: "Verify a claims token and print its contents",
		Long: `Verify the token stored next to a unit (<path>.jwt), a token file, or a literal
token, and print the decoded claims.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(args[0])
			if err != nil {
				return err
			}
			decoded, err := claims.NewValidator().Validate(token)
			if err != nil {
				return err
			}
			formatter, err := output.NewFormatter(format, cmd.OutOrStdout(), output.Options{Indent: true})
			if err != nil {
				return err
			}
			return formatter.Format(dto.ClaimsResponse{Claims: []dto.ClaimsDescription{dto.DescribeClaims(decoded)}})
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "Output format: "+strings.Join(output.SupportedFormats(), ", "))
	return cmd
}

func readToken(arg string) (string, error) {
	for _, path := range []string{arg + images.TokenSuffix, arg} {
		data, err := os.ReadFile(path) //nolint:gosec // G304: user-provided path
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}
	if strings.Count(arg, ".") == 2 {
		return arg, nil
	}
	return "", fmt.Errorf("no claims token found at %s or %s%s", arg, arg, images.TokenSuffix)
}
