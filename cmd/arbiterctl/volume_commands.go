package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"volarbiter/pkg/arbiterclient"
)

const defaultVolume = "shared-data"

func volumeArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return defaultVolume
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [volume]",
		Short: "Show who holds each volume",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			var list []arbiterclient.Status
			if len(args) == 1 {
				st, err := c.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				list = []arbiterclient.Status{st}
			} else if list, err = c.List(cmd.Context()); err != nil {
				return err
			}

			rows := make([][]string, 0, len(list))
			for _, st := range list {
				rows = append(rows, []string{
					st.Volume,
					st.State,
					strconv.FormatInt(st.FencingToken, 10),
					formatMS(st.ExpiresAtMS),
					strconv.FormatInt(st.Version, 10),
					formatMS(st.UpdatedAtMS),
				})
			}
			var v any = list
			if len(args) == 1 {
				v = list[0]
			}
			return emit(cmd, ctx.output, v,
				[]string{"Volume", "State", "Token", "Expires", "Version", "Updated"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft})
		},
	}
}

func emitGrant(cmd *cobra.Command, ctx *commandContext, g arbiterclient.Grant) error {
	return emit(cmd, ctx.output, g,
		[]string{"Volume", "Role", "Lease", "Token", "Acquired", "Expires"},
		[][]string{{g.Volume, g.Role, g.LeaseID, strconv.FormatInt(g.FencingToken, 10), formatMS(g.AcquiredAtMS), formatMS(g.ExpiresAtMS)}},
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight})
}

func saveGrant(path string, g arbiterclient.Grant) error {
	if path == "" {
		return nil
	}
	buf, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o600)
}

// grantFlags identifies an existing grant either by file or by its fields.
type grantFlags struct {
	file    string
	role    string
	leaseID string
	token   int64
}

func (f *grantFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "grant", "", "Grant file written by 'acquire --save'")
	cmd.Flags().StringVar(&f.role, "role", "", "Role holding the grant")
	cmd.Flags().StringVar(&f.leaseID, "lease", "", "Lease id of the grant")
	cmd.Flags().Int64Var(&f.token, "fencing-token", 0, "Fencing token of the grant")
}

func (f *grantFlags) resolve(args []string) (arbiterclient.Grant, error) {
	var g arbiterclient.Grant
	if f.file != "" {
		buf, err := os.ReadFile(f.file)
		if err != nil {
			return g, err
		}
		if err := json.Unmarshal(buf, &g); err != nil {
			return g, fmt.Errorf("parse grant %s: %w", f.file, err)
		}
	}
	if len(args) > 0 || g.Volume == "" {
		g.Volume = volumeArg(args)
	}
	if f.role != "" {
		g.Role = f.role
	}
	if f.leaseID != "" {
		g.LeaseID = f.leaseID
	}
	if f.token != 0 {
		g.FencingToken = f.token
	}
	if g.Role == "" || g.LeaseID == "" || g.FencingToken <= 0 {
		return g, errors.New("grant required: use --grant or --role, --lease and --fencing-token")
	}
	return g, nil
}

func newAcquireCommand(ctx *commandContext) *cobra.Command {
	var (
		role  string
		wait  time.Duration
		save  string
		retry int
	)
	cmd := &cobra.Command{
		Use:   "acquire [volume]",
		Short: "Acquire write access for a role",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			volume := volumeArg(args)

			var g arbiterclient.Grant
			if wait > 0 {
				g, err = c.AcquireWithRetry(cmd.Context(), volume, role, arbiterclient.AcquireOptions{
					MaxRetries:   retry,
					MaxTotalWait: wait,
				})
				if err != nil {
					return err
				}
			} else {
				var rej *arbiterclient.RejectedError
				g, rej, err = c.AcquireOnce(cmd.Context(), volume, role)
				if err != nil {
					return err
				}
				if rej != nil {
					return rej
				}
			}
			if err := saveGrant(save, g); err != nil {
				return err
			}
			return emitGrant(cmd, ctx, g)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Role to acquire for (producer or consumer)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Retry while the volume is held, up to this long")
	cmd.Flags().IntVar(&retry, "max-retries", 0, "Retry attempts with --wait (0 = default)")
	cmd.Flags().StringVar(&save, "save", "", "Write the grant as JSON to this file")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newReleaseCommand(ctx *commandContext) *cobra.Command {
	var gf grantFlags
	cmd := &cobra.Command{
		Use:   "release [volume]",
		Short: "Release a grant",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := gf.resolve(args)
			if err != nil {
				return err
			}
			c, err := ctx.client()
			if err != nil {
				return err
			}
			if err := c.Release(cmd.Context(), g); err != nil {
				return err
			}
			if ctx.output == outputTable {
				fmt.Fprintf(cmd.OutOrStdout(), "released %s (%s)\n", g.Volume, g.Role)
				return nil
			}
			return emit(cmd, ctx.output, map[string]any{"released": true, "volume": g.Volume}, nil, nil, nil)
		},
	}
	gf.register(cmd)
	return cmd
}

func newRenewCommand(ctx *commandContext) *cobra.Command {
	var (
		gf   grantFlags
		save string
	)
	cmd := &cobra.Command{
		Use:   "renew [volume]",
		Short: "Extend a grant's lease",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := gf.resolve(args)
			if err != nil {
				return err
			}
			c, err := ctx.client()
			if err != nil {
				return err
			}
			ng, err := c.Renew(cmd.Context(), g)
			if err != nil {
				return err
			}
			if err := saveGrant(save, ng); err != nil {
				return err
			}
			return emitGrant(cmd, ctx, ng)
		},
	}
	gf.register(cmd)
	cmd.Flags().StringVar(&save, "save", "", "Write the renewed grant as JSON to this file")
	return cmd
}

func newTransferCommand(ctx *commandContext) *cobra.Command {
	var (
		from, to string
		save     string
	)
	cmd := &cobra.Command{
		Use:   "transfer [volume]",
		Short: "Hand a volume from its holder to the other role",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			g, err := c.Transfer(cmd.Context(), volumeArg(args), from, to)
			if err != nil {
				return err
			}
			if err := saveGrant(save, g); err != nil {
				return err
			}
			return emitGrant(cmd, ctx, g)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Current holder")
	cmd.Flags().StringVar(&to, "to", "", "New holder")
	cmd.Flags().StringVar(&save, "save", "", "Write the new holder's grant as JSON to this file")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [volume]",
		Short: "List recent transitions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			trs, err := c.History(cmd.Context(), volumeArg(args), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(trs))
			for _, tr := range trs {
				rows = append(rows, []string{
					formatMS(tr.AtMS),
					tr.Kind,
					orDash(tr.From),
					orDash(tr.To),
					strconv.FormatInt(tr.FencingToken, 10),
					strconv.FormatInt(tr.Version, 10),
				})
			}
			return emit(cmd, ctx.output, trs,
				[]string{"At", "Kind", "From", "To", "Token", "Version"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum transitions to show")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch [volume]",
		Short: "Stream state changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			seen := 0
			errStop := errors.New("stop")
			err = c.Watch(cmd.Context(), volumeArg(args), func(e arbiterclient.Event) error {
				if err := printEvent(cmd, ctx.output, e); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					return errStop
				}
				return nil
			})
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many events, snapshot included (0 = forever)")
	return cmd
}

func printEvent(cmd *cobra.Command, format string, e arbiterclient.Event) error {
	switch format {
	case outputJSON:
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(buf))
		return err
	case outputYAML:
		fmt.Fprintln(cmd.OutOrStdout(), "---")
		return writeYAML(cmd, e)
	}
	at := "-"
	if !e.At.IsZero() {
		at = e.At.Local().Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-28s token=%d version=%d\n", at, e.Type, e.State, e.FencingToken, e.Version)
	return err
}
