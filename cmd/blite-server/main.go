package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/blitedb/blite/server"
)

// Config is the top-level configuration object of a BLite server.
var Config = new(server.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog(Config)

	log.WithField("dataDir", Config.Data.Dir).Info("blite-server configuration")

	var srv, err = server.New(*Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	if err = srv.Run(ctx); err != nil {
		return err
	}
	log.Info("goodbye")
	return nil
}

func initLog(cfg *server.Config) {
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the BLite server", `
Serve the BLite document database frontend with the provided
configuration, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
