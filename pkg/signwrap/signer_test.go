package signwrap

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestCommandSignerSuccess(t *testing.T) {
	sh := requireShell(t)
	s := &CommandSigner{Argv: []string{sh, "-c", "true"}}
	if err := s.Sign(context.Background()); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
}

func TestCommandSignerExitCode(t *testing.T) {
	sh := requireShell(t)
	var errBuf bytes.Buffer
	s := &CommandSigner{Argv: []string{sh, "-c", "exit 3"}, Stderr: &errBuf}

	err := s.Sign(context.Background())
	if err == nil {
		t.Fatal("Expected an error for a non-zero exit")
	}
	if !errors.Is(err, ErrSigningFailed) {
		t.Errorf("Expected ErrSigningFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "3") {
		t.Errorf("Expected the exit status in the message, got %q", err.Error())
	}
}

func TestCommandSignerMissingExecutable(t *testing.T) {
	s := &CommandSigner{Argv: []string{"signwrap-no-such-tool-3f9a"}}
	err := s.Sign(context.Background())
	if !errors.Is(err, ErrSigningFailed) {
		t.Errorf("Expected ErrSigningFailed, got %v", err)
	}
}

func TestCommandSignerEmptyArgv(t *testing.T) {
	s := &CommandSigner{}
	if err := s.Sign(context.Background()); !errors.Is(err, ErrSigningFailed) {
		t.Errorf("Expected ErrSigningFailed, got %v", err)
	}
}

func TestCommandSignerStreamRouting(t *testing.T) {
	sh := requireShell(t)
	var outBuf, errBuf bytes.Buffer

	// Quiet mode: stdout is drained but dropped, stderr is forwarded.
	s := &CommandSigner{
		Argv:   []string{sh, "-c", "echo chatter; echo oops >&2"},
		Stdout: &outBuf,
		Stderr: &errBuf,
	}
	if err := s.Sign(context.Background()); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if outBuf.Len() != 0 {
		t.Errorf("Expected stdout to be discarded, got %q", outBuf.String())
	}
	if !strings.Contains(errBuf.String(), "oops") {
		t.Errorf("Expected stderr to be forwarded, got %q", errBuf.String())
	}

	// Verbose mode forwards stdout too.
	outBuf.Reset()
	s.Verbose = true
	if err := s.Sign(context.Background()); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !strings.Contains(outBuf.String(), "chatter") {
		t.Errorf("Expected stdout to be forwarded in verbose mode, got %q", outBuf.String())
	}
}

// A signer that writes more than an OS pipe buffer to both streams must not
// deadlock the invoker.
func TestCommandSignerDrainsLargeOutput(t *testing.T) {
	sh := requireShell(t)

	// 4096 * 256 bytes = 1 MiB on each stream.
	script := `i=0
while [ $i -lt 4096 ]; do
  printf '%0256d' 0
  printf '%0256d' 0 >&2
  i=$((i+1))
done`

	var errBuf bytes.Buffer
	s := &CommandSigner{Argv: []string{sh, "-c", script}, Stderr: &errBuf}
	if err := s.Sign(context.Background()); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if errBuf.Len() < 1<<20 {
		t.Errorf("Expected at least 1 MiB of stderr, got %d bytes", errBuf.Len())
	}
}

func TestSignerFunc(t *testing.T) {
	called := false
	var s Signer = SignerFunc(func(ctx context.Context) error {
		called = true
		return nil
	})
	if err := s.Sign(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("Expected the wrapped function to run")
	}
}
