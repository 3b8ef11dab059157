package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"volarbiter/internal/config"
	"volarbiter/pkg/arbiterclient"
)

const defaultServer = "http://localhost:8080"

type commandContext struct {
	server       string
	token        string
	profile      string
	profilesPath string
	output       string
	timeout      time.Duration
}

// client resolves the connection in order: flags, profile, environment,
// defaults.
func (c *commandContext) client() (*arbiterclient.Client, error) {
	server := strings.TrimSpace(c.server)
	token := strings.TrimSpace(c.token)

	store, err := c.loadProfiles()
	if err != nil {
		return nil, err
	}
	if p, ok, err := store.Lookup(c.profile); err != nil {
		return nil, err
	} else if ok {
		if server == "" {
			server = p.Server
		}
		if token == "" {
			token = p.Token
		}
	}

	if server == "" {
		server = os.Getenv("ARBITER_URL")
	}
	if token == "" {
		token = os.Getenv("ARBITER_TOKEN")
	}
	if server == "" {
		server = defaultServer
	}

	var opts []arbiterclient.Option
	if token != "" {
		opts = append(opts, arbiterclient.WithToken(token))
	}
	return arbiterclient.New(server, &http.Client{Timeout: c.timeout}, opts...), nil
}

func (c *commandContext) profilesFile() (string, error) {
	path := c.profilesPath
	if path == "" {
		path = defaultProfilesPath
	}
	return config.ExpandPath(path)
}

func (c *commandContext) loadProfiles() (*ProfileStore, error) {
	path, err := c.profilesFile()
	if err != nil {
		return nil, err
	}
	return LoadProfiles(path)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "arbiterctl",
		Short:         "Inspect and drive a volarbiter server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch ctx.output {
			case outputTable, outputJSON, outputYAML:
				return nil
			}
			return fmt.Errorf("unsupported output %q (want table, json or yaml)", ctx.output)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.server, "server", "", "Arbiter base URL (default $ARBITER_URL or "+defaultServer+")")
	flags.StringVar(&ctx.token, "token", "", "Bearer token (default $ARBITER_TOKEN)")
	flags.StringVar(&ctx.profile, "profile", "", "Connection profile name")
	flags.StringVar(&ctx.profilesPath, "profiles", "", "Profiles file path (default "+defaultProfilesPath+")")
	flags.StringVarP(&ctx.output, "output", "o", outputTable, "Output format: table, json or yaml")
	flags.DurationVar(&ctx.timeout, "timeout", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newAcquireCommand(ctx))
	rootCmd.AddCommand(newReleaseCommand(ctx))
	rootCmd.AddCommand(newRenewCommand(ctx))
	rootCmd.AddCommand(newTransferCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	rootCmd.AddCommand(newProfileCommand(ctx))

	return rootCmd
}
