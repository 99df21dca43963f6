package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
)

// terminalSession is a Deployment's attached interactive process (spec
// §4.3.5). No pty library is part of the grounding corpus's complete
// repos, so this wraps stdin/stdout pipes directly rather than a
// pseudo-terminal; Resize is accepted but has no effect on the child's
// perceived window size, which is the cost of that simplification (see
// DESIGN.md).
type terminalSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func newTerminalSession(ctx context.Context, workDir string, env map[string]string) (*terminalSession, error) {
	cmd := exec.CommandContext(ctx, defaultShell())
	cmd.Dir = workDir
	cmd.Env = mergeOSEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outRead, outWrite, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = outWrite
	cmd.Stderr = outWrite
	configureProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	outWrite.Close()
	return &terminalSession{cmd: cmd, stdin: stdin, stdout: outRead}, nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func (s *terminalSession) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *terminalSession) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Resize is a no-op without a pty; recorded here so the Deployment wire
// contract (spec §6 TerminalInput.Resize) has a concrete landing spot.
func (s *terminalSession) Resize(cols, rows int) {}

func (s *terminalSession) Close() error {
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = killProcessGroup(s.cmd.Process.Pid)
	}
	return s.cmd.Wait()
}
