package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaffee/commandeer/pflag"

	"github.com/mixload/mixload/importer"
	"github.com/mixload/mixload/logger"
)

func main() {
	m := importer.NewMain()
	if err := pflag.LoadEnv(m, "MP_", nil); err != nil {
		log.Fatal(err)
	}
	if m.Verbose {
		m.SetLogger(logger.NewVerboseLogger(os.Stderr))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := m.Run(ctx); err != nil {
		l := m.Log()
		if l == nil {
			// if we fail before a logger was instantiated
			logger.NewStandardLogger(os.Stderr).Errorf("Error running import: %v", err)
			os.Exit(1)
		}
		l.Errorf("Error running import: %v", err)
		os.Exit(1)
	}
}
