package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"volarbiter/pkg/arbiterclient"
)

type cli struct {
	URL       string        `kong:"name='url',default='http://localhost:8080',env='ARBITER_URL',help='Arbiter base URL.'"`
	Token     string        `kong:"name='token',env='ARBITER_TOKEN',help='Bearer token; needs the operator role when auth is on.'"`
	Volume    string        `kong:"name='volume',default='shared-data',help='Volume to contend on.'"`
	Clients   int           `kong:"name='clients',default='8',help='Clients per role.'"`
	Duration  time.Duration `kong:"name='duration',default='20s',help='Test duration.'"`
	Hold      time.Duration `kong:"name='hold',default='30ms',help='Time spent holding the volume.'"`
	Jitter    time.Duration `kong:"name='jitter',default='30ms',help='Extra random hold time.'"`
	Transfer  float64       `kong:"name='transfer-rate',default='0.3',help='Probability a holder transfers instead of releasing.'"`
	Stall     float64       `kong:"name='stall-rate',default='0',help='Probability a holder stalls (simulated GC pause).'"`
	StallFor  time.Duration `kong:"name='stall-for',default='2s',help='Stall length; exceed the server lease TTL to provoke expiry.'"`
	Heartbeat time.Duration `kong:"name='heartbeat',default='0',help='Renew interval while holding (0 disables).'"`
}

func (c *cli) Run(ctx context.Context) error {
	var opts []arbiterclient.Option
	if c.Token != "" {
		opts = append(opts, arbiterclient.WithToken(c.Token))
	}
	client := arbiterclient.New(c.URL, &http.Client{Timeout: 10 * time.Second}, opts...)

	r := runLoad(ctx, client, loadOptions{
		Volume:    c.Volume,
		PerRole:   c.Clients,
		Duration:  c.Duration,
		Hold:      c.Hold,
		Jitter:    c.Jitter,
		Transfer:  c.Transfer,
		Stall:     c.Stall,
		StallFor:  c.StallFor,
		Heartbeat: c.Heartbeat,
	})
	printReport(os.Stdout, c.Volume, r)
	if !r.Safe() && c.Stall == 0 {
		return fmt.Errorf("volume attached by more than one holder %d times", r.Overlaps)
	}
	return nil
}

func printReport(w io.Writer, volume string, r report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("volarbiter contention: %s, %d workers, %s", volume, r.Workers, r.Elapsed.Round(time.Millisecond))
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRows([]table.Row{
		{"acquire_success", r.AcquireOK},
		{"acquire_held", r.AcquireHeld},
		{"transfers", r.Transfers},
		{"transfer_failed", r.TransferFail},
		{"releases", r.Releases},
		{"grants_lost", r.GrantsLost},
		{"errors", r.Errors},
	})
	tw.AppendSeparator()
	verdict := "SAFE"
	if !r.Safe() {
		verdict = "OVERLAP"
	}
	tw.AppendRows([]table.Row{
		{"overlapping_attaches", r.Overlaps},
		{"writes_accepted", r.WritesOK},
		{"stale_rejected", r.StaleRejected},
		{"last_token", r.LastToken},
		{"verdict", verdict},
	})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	tw.Render()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cli
	parser := kong.Must(&c,
		kong.Name("arbiterload"),
		kong.Description("Drives producer and consumer clients against one volume and checks it is never attached twice."),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.UsageOnError())

	app, parseErr := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(parseErr)

	appErr := app.Run()
	app.FatalIfErrorf(appErr)
}
