package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rmtree/internal/api/auth"
)

type tokenOptions struct {
	secretFile string
	user       string
	roles      []string
	ttl        time.Duration
}

func newTokenCmd(g *globalOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		Long: `Issue a signed token for the rmtree API.

The token is signed with api.jwt_secret_file from the config, or --secret-file.
Roles: viewer (history), operator (history, sweep, remove), admin (everything).`,
		Example: `  rmtree token --user ci --role operator --ttl 720h`,
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(cmd, g, opts)
		},
	}
	cmd.Flags().StringVar(&opts.secretFile, "secret-file", "", "HMAC secret file (default: api.jwt_secret_file from config)")
	cmd.Flags().StringVar(&opts.user, "user", "", "User name to embed in the token")
	cmd.Flags().StringSliceVar(&opts.roles, "role", []string{auth.RoleViewer}, "Role to grant; repeatable")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", tokenTTL, "Token lifetime")
	return cmd
}

func runToken(cmd *cobra.Command, g *globalOptions, opts *tokenOptions) error {
	if opts.user == "" {
		return usageError{fmt.Errorf("--user is required")}
	}
	for _, role := range opts.roles {
		if !auth.ValidRole(role) {
			return usageError{fmt.Errorf("unknown role %q", role)}
		}
	}
	if opts.ttl <= 0 {
		return usageError{fmt.Errorf("--ttl must be positive")}
	}

	secretFile := opts.secretFile
	if secretFile == "" {
		cfg, err := g.loadConfig(cmd)
		if err != nil {
			return err
		}
		secretFile = cfg.API.JWTSecretFile
	}
	if secretFile == "" {
		return usageError{fmt.Errorf("no secret: set api.jwt_secret_file or --secret-file")}
	}

	secret, err := auth.LoadSecret(secretFile)
	if err != nil {
		return err
	}
	m, err := auth.NewJWTManager(secret, opts.ttl)
	if err != nil {
		return err
	}
	token, err := m.GenerateToken(opts.user, opts.user, opts.roles)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
