package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"volarbiter/internal/api"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var (
		role    string
		subject string
		secret  string
		issuer  string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the arbiter API",
		Long: "Mint an HS256 token carrying a role claim. The secret must match the\n" +
			"server's auth.jwt_secret; it defaults to $ARBITER_JWT_SECRET.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("ARBITER_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("signing secret required: --secret or ARBITER_JWT_SECRET")
			}
			if subject == "" {
				subject = role
			}
			tok, err := api.NewAuthenticator(secret, issuer).Issue(role, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Token role: producer, consumer or operator")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (default the role)")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", "volarbiter", "Token issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newProfileCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage saved connection profiles",
	}

	var use bool
	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a profile from --server and --token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ctx.profilesFile()
			if err != nil {
				return err
			}
			store, err := LoadProfiles(path)
			if err != nil {
				return err
			}
			p := &Profile{Server: ctx.server, Token: ctx.token}
			if p.Server == "" {
				p.Server = defaultServer
			}
			if err := p.Verify(); err != nil {
				return err
			}
			store.Profiles[args[0]] = p
			if use || store.Current == "" {
				store.Current = args[0]
			}
			if err := store.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved profile %s to %s\n", args[0], path)
			return nil
		},
	}
	set.Flags().BoolVar(&use, "use", false, "Make this the current profile")

	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.loadProfiles()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(store.Profiles))
			for _, name := range store.Names() {
				p := store.Profiles[name]
				current := ""
				if name == store.Current {
					current = "*"
				}
				rows = append(rows, []string{current, name, p.Server, yesNo(p.Token != "")})
			}
			return emit(cmd, ctx.output, store, []string{"", "Name", "Server", "Token"}, rows, nil)
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
