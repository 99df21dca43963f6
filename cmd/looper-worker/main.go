// Command looper-worker is the per-host agent: it dials the manager, runs
// the Worker Execution Engine's handshake/request-work/execute loop, and
// exits when its context is canceled. Grounded on cmd/ci-operator/main.go's
// bindOptions/Validate/Complete/Run lifecycle, adapted from a one-shot CI
// job invocation to a long-lived polling daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mattsgit/test-looper/internal/artifacts"
	"github.com/mattsgit/test-looper/internal/wire"
	"github.com/mattsgit/test-looper/internal/worker"
)

type options struct {
	managerURL string
	machineID  string
	hardware   string
	os         string
	cores      int
	isolation  string
	logLevel   string

	container string
}

func bindOptions() *options {
	o := &options{}
	flag.StringVar(&o.managerURL, "manager-url", "", "Websocket URL of the manager's worker endpoint, e.g. ws://manager:8080/worker")
	flag.StringVar(&o.machineID, "machine-id", "", "This machine's stable identity")
	flag.StringVar(&o.hardware, "hardware", "x86", "Hardware class reported at handshake")
	flag.StringVar(&o.os, "os", "linux", "OS reported at handshake")
	flag.IntVar(&o.cores, "cores", runtime.NumCPU(), "Cores available for stage concurrency")
	flag.StringVar(&o.isolation, "isolation", "bare", "Stage isolation: bare or container")
	flag.StringVar(&o.container, "container-id", "", "Container id to exec into, required when --isolation=container")
	flag.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output")
	return o
}

func (o *options) Validate() error {
	if o.managerURL == "" {
		return fmt.Errorf("--manager-url is required")
	}
	if o.machineID == "" {
		return fmt.Errorf("--machine-id is required")
	}
	if o.isolation != "bare" && o.isolation != "container" {
		return fmt.Errorf("--isolation must be \"bare\" or \"container\"")
	}
	if o.isolation == "container" && o.container == "" {
		return fmt.Errorf("--isolation=container requires --container-id")
	}
	if _, err := logrus.ParseLevel(o.logLevel); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	return nil
}

func (o *options) runner() worker.StageRunner {
	if o.isolation == "container" {
		return worker.ContainerRunner{Exec: "docker", ContainerID: o.container}
	}
	return worker.BareMachineRunner{}
}

func main() {
	o := bindOptions()
	flag.Parse()

	if err := o.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		os.Exit(1)
	}

	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "looper-worker").WithField("machine", o.machineID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := wire.Dial(o.managerURL)
	if err != nil {
		log.WithError(err).Fatal("failed to dial manager")
	}
	defer conn.Close()

	// No production object-store backend is part of this module's scope
	// (see internal/artifacts); a standalone worker uses the in-memory
	// reference store, which is only useful against a manager in the same
	// process. A real deployment replaces this with a concrete
	// artifacts.Store wired to whatever blob store the fleet uses.
	store := artifacts.NewMemoryStore()

	engine := worker.New(o.machineID, o.hardware, o.os, o.cores, store, conn, o.runner(), log)

	log.WithField("manager", o.managerURL).Info("starting worker loop")
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("worker loop exited")
	}
}
