package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"syscall"

	"go.uber.org/dig"

	dig_container "github.com/trezcool/escudos/apps/api/di/dig"
	echoapi "github.com/trezcool/escudos/apps/api/echo"
	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/escudo"
)

type appParams struct {
	dig.In

	Conf      *core.Config
	Logger    core.Logger
	DBLogger  core.Logger  `name:"dbLogger"`
	CloseDB   func() error `name:"closeDB"`
	EscudoSvc *escudo.Service
	Server    echoapi.Server
	Shutdown  dig_container.Shutdown
}

func main() {
	c := dig_container.New()
	must(c.Invoke(run))
}

func run(p appParams) {
	conf, apiLogger := p.Conf, p.Logger

	// =========================================================================
	// Initialize App

	apiLogger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	core.ParseEmailTemplates(apiLogger)

	defer func() {
		if err := p.CloseDB(); err != nil {
			p.DBLogger.Fatal("Failed to close", err)
		}
	}()
	defer apiLogger.Info("Application stopped")

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			apiLogger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start escudos sweeper

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go p.EscudoSvc.Sweep(sweepCtx, conf.Escudos.SweepInterval)

	// =========================================================================
	// Start API Service

	serverErrors := make(chan error, 1)
	go func() {
		apiLogger.Info(fmt.Sprintf("API listening on %s", conf.Server.Address))
		serverErrors <- p.Server.Start()
	}()

	// =========================================================================
	// Shutdown

	signal.Notify(p.Shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		apiLogger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-p.Shutdown:
		apiLogger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		stopSweeper()

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		if err := p.Server.Stop(ctx); err != nil {
			apiLogger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)
		}
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
