package signwrap

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Signer runs one signing pass over the target file.
//
// The convergence loop does not care whether signing happens in an external
// process or inside this one; both variants satisfy this interface.
type Signer interface {
	Sign(ctx context.Context) error
}

// SignerFunc adapts an in-process signing routine to the Signer interface.
type SignerFunc func(ctx context.Context) error

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context) error { return f(ctx) }

// CommandSigner signs by running an external signing tool.
//
// The tool's stderr is always forwarded; its stdout is forwarded only in
// verbose mode, and is otherwise read and discarded. Both streams are fully
// drained while the process runs, so the child can never stall on a full
// pipe buffer.
type CommandSigner struct {
	Argv    []string  // executable followed by its arguments
	Dir     string    // working directory, empty for the inherited one
	Verbose bool      // forward the tool's stdout
	Stdout  io.Writer // defaults to os.Stdout
	Stderr  io.Writer // defaults to os.Stderr
}

// Sign launches the signing command and waits for it to finish. A non-zero
// exit status is reported as an ErrSigningFailed failure.
func (s *CommandSigner) Sign(ctx context.Context) error {
	if len(s.Argv) == 0 {
		return newFailure(ErrSigningFailed, "no signing command configured")
	}

	cmd := exec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...)
	cmd.Dir = s.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return wrapFailure(ErrSigningFailed, err, "failed to set up output for %s", s.Argv[0])
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return wrapFailure(ErrSigningFailed, err, "failed to set up output for %s", s.Argv[0])
	}

	if err := cmd.Start(); err != nil {
		return wrapFailure(ErrSigningFailed, err, "failed to launch %s", s.Argv[0])
	}

	outDst := io.Discard
	if s.Verbose {
		outDst = s.stdout()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(outDst, stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(s.stderr(), stderr)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return wrapFailure(ErrSigningFailed, err,
				"signing command exited with status %d", exitErr.ExitCode())
		}
		return wrapFailure(ErrSigningFailed, err, "signing command failed")
	}
	return nil
}

func (s *CommandSigner) stdout() io.Writer {
	if s.Stdout != nil {
		return s.Stdout
	}
	return os.Stdout
}

func (s *CommandSigner) stderr() io.Writer {
	if s.Stderr != nil {
		return s.Stderr
	}
	return os.Stderr
}
