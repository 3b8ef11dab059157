package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli struct {
		Serve      ServeCmd      `kong:"cmd,default='1',help='Run the volume arbiter.'"`
		InitConfig InitConfigCmd `kong:"cmd,name='init-config',help='Write a sample configuration file.'"`
	}

	parser := kong.Must(&cli,
		kong.Name("arbiterd"),
		kong.Description("Hands a single-writer volume between the producer and consumer roles."),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.UsageOnError())

	app, parseErr := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(parseErr)

	appErr := app.Run()
	app.FatalIfErrorf(appErr)
}
