// Package worker implements the Worker Execution Engine (spec §4.5): the
// per-worker daemon loop that handshakes with the manager, materializes a
// test's environment, runs its stages inside a container or on bare
// metal, uploads artifacts, and reports results.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattsgit/test-looper/internal/artifacts"
	"github.com/mattsgit/test-looper/internal/wire"
)

// Engine is one worker host's long-lived execution loop (spec §4.5).
type Engine struct {
	MachineID string
	Hardware  string
	OS        string
	Cores     int

	ScratchRoot string
	store       artifacts.Store
	conn        *wire.Conn
	log         *logrus.Entry

	HeartbeatInterval time.Duration
	Runner            StageRunner
}

// StageRunner executes one stage's command, abstracting over container
// vs bare-machine isolation (spec §4.5 step 4, "Isolation"). Production
// wiring supplies ContainerRunner or BareMachineRunner; tests supply a
// fake.
type StageRunner interface {
	// Run executes command in workDir with env, writing combined
	// stdout/stderr to out, and returns once the process exits, ctx is
	// canceled (timeout), or it errors starting the process.
	Run(ctx context.Context, command, workDir string, env map[string]string, out *os.File) error
}

func New(machineID, hardware, osName string, cores int, store artifacts.Store, conn *wire.Conn, runner StageRunner, log *logrus.Entry) *Engine {
	return &Engine{
		MachineID:         machineID,
		Hardware:          hardware,
		OS:                osName,
		Cores:             cores,
		ScratchRoot:       filepath.Join(os.TempDir(), "test-looper-worker"),
		store:             store,
		conn:              conn,
		log:               log.WithField("machine", machineID),
		HeartbeatInterval: 3 * time.Second,
		Runner:            runner,
	}
}

// Run performs the handshake and then loops requesting and executing
// work until ctx is canceled (spec §4.5's per-worker daemon loop).
func (e *Engine) Run(ctx context.Context) error {
	if err := e.handshake(); err != nil {
		return err
	}
	if err := e.cleanScratch(); err != nil {
		e.log.WithError(err).Warn("scratch cleanup failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		work, err := e.requestWork()
		if err != nil {
			return fmt.Errorf("worker: request work: %w", err)
		}
		if work == nil {
			time.Sleep(time.Second)
			continue
		}

		switch {
		case work.WorkTest != nil:
			if err := e.runTest(ctx, work.WorkTest); err != nil {
				e.log.WithField("run", work.WorkTest.RunID).WithError(err).Error("test run failed")
			}
		case work.WorkDeployment != nil:
			if err := e.runDeployment(ctx, work.WorkDeployment); err != nil {
				e.log.WithField("deployment", work.WorkDeployment.DeploymentID).WithError(err).Error("deployment failed")
			}
		}
	}
}

func (e *Engine) handshake() error {
	if err := e.conn.Send(wire.Message{
		Kind: wire.KindHandshake,
		Handshake: &wire.Handshake{
			MachineID:       e.MachineID,
			Hardware:        e.Hardware,
			OS:              e.OS,
			ProtocolVersion: wire.ProtocolVersion,
		},
	}); err != nil {
		return err
	}
	reply, err := e.conn.Receive()
	if err != nil {
		return err
	}
	if reply.HandshakeResult == nil || !reply.HandshakeResult.Accepted {
		return fmt.Errorf("worker: handshake rejected (protocol mismatch=%v)", reply.HandshakeResult != nil && reply.HandshakeResult.ProtocolMismatch)
	}
	return nil
}

func (e *Engine) requestWork() (*wire.Message, error) {
	if err := e.conn.Send(wire.Message{Kind: wire.KindRequestWork}); err != nil {
		return nil, err
	}
	reply, err := e.conn.Receive()
	if err != nil {
		return nil, err
	}
	if reply.Kind == wire.KindNoWork {
		return nil, nil
	}
	return &reply, nil
}

func (e *Engine) sendHeartbeat(message string) {
	_ = e.conn.Send(wire.Message{
		Kind:      wire.KindHeartbeat,
		Heartbeat: &wire.Heartbeat{MachineID: e.MachineID, Message: message},
	})
}

// cleanScratch removes stale per-run scratch directories and, on restart
// after a crash, anything left over from a prior run (spec §4.5 step 2
// "Clean worker scratch directories").
func (e *Engine) cleanScratch() error {
	if e.ScratchRoot == "" {
		return nil
	}
	if err := os.RemoveAll(e.ScratchRoot); err != nil {
		return err
	}
	return os.MkdirAll(e.ScratchRoot, 0o755)
}

func (e *Engine) runDirFor(runID string) string {
	return filepath.Join(e.ScratchRoot, runID)
}
