package worker

import (
	"context"
	"time"

	"github.com/mattsgit/test-looper/internal/wire"
)

// runDeployment attaches an interactive session instead of executing
// stages: it forwards TerminalOutput from the deployment's process to the
// manager and applies KeyboardInput/Resize messages received from
// subscribers (spec §4.3.5, §4.5).
func (e *Engine) runDeployment(ctx context.Context, work *wire.WorkDeployment) error {
	runDir := e.runDirFor(work.RunID)
	stopHeartbeat := e.beginStageHeartbeat(ctx, work.RunID)
	defer stopHeartbeat()

	session, err := newTerminalSession(ctx, runDir, work.Definition.Variables)
	if err != nil {
		return err
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := session.Read(buf)
			if n > 0 {
				_ = e.conn.Send(wire.Message{
					Kind: wire.KindTerminalOutput,
					TerminalOutput: &wire.TerminalOutput{
						DeploymentID: work.DeploymentID,
						Data:         append([]byte(nil), buf[:n]...),
					},
				})
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		case <-time.After(100 * time.Millisecond):
		}

		msg, err := e.conn.Receive()
		if err != nil {
			return err
		}
		switch msg.Kind {
		case wire.KindTerminalKeyboardInput:
			if msg.KeyboardInput != nil {
				_, _ = session.Write(msg.KeyboardInput.Data)
			}
		case wire.KindTerminalResize:
			if msg.Resize != nil {
				session.Resize(msg.Resize.Cols, msg.Resize.Rows)
			}
		case wire.KindCancelTestRun:
			return nil
		}
	}
}
