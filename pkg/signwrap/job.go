package signwrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultMaxPasses bounds the convergence loop when the caller does not.
	DefaultMaxPasses = 10
	// minPasses is the enforced floor. A single pass can never confirm that
	// a changed size guess was right.
	minPasses = 2

	// backupMarker is inserted before the extension of the working copy:
	// app.exe becomes app-presign.exe.
	backupMarker = "-presign"

	copyBufSize = 4 * 1024 * 1024
)

// Job drives the sign-measure-adjust loop for one target file.
//
// The signing tool appends a signature of a size that is only known after
// the fact. Each pass resizes the ZIP trailer's comment-length field to the
// previous pass's observed signature size and signs again; the loop stops
// when prediction and observation agree.
type Job struct {
	// File is the target executable the signing tool writes.
	File string
	// InputFile, when set and different from File, is the pristine file fed
	// to the signing tool; File is then only its output. The pristine input
	// is never modified in that arrangement.
	InputFile string

	// Signer performs one signing pass. When nil, Command is used to build
	// a CommandSigner. An in-process Signer always operates on File; the
	// input-redirection described on Command cannot be expressed for it.
	Signer Signer
	// Command is the external signing command line. When InputFile differs
	// from File, arguments naming InputFile are redirected to the working
	// copy so each pass reads a freshly patched input.
	Command []string
	// Dir is the working directory for the signing command.
	Dir string

	// InPlace trusts the signing tool to tolerate re-signing a file whose
	// previous signature is still present; no working copy is made.
	InPlace bool
	// Lenient accepts a trailer whose stored comment length is stale,
	// recomputing it from the actual tail of the file.
	Lenient bool
	// MaxPasses bounds the loop; zero means DefaultMaxPasses, values below
	// the floor of 2 are raised to it.
	MaxPasses int
	// BackupOriginal retains the pre-signing copy instead of deleting it.
	BackupOriginal bool
	// Verbose forwards the signing tool's stdout and adds diagnostics.
	Verbose bool

	// Stdout and Stderr receive progress and warnings; they default to
	// os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// Reusable copy buffer, scoped to the Job so parallel Jobs stay
	// independent.
	copyBuf []byte
}

// Execute runs the whole operation: locate the trailer, then sign until the
// appended signature size matches the comment-length tweak, or fail.
//
// All errors returned are *Failure values; use errors.Is with the Err*
// sentinels to distinguish them.
func (j *Job) Execute(ctx context.Context) (retErr error) {
	defer func() { j.copyBuf = nil }()

	if j.File == "" {
		return newFailure(ErrFileNotFound, "no target file specified")
	}
	target := absPath(j.File)
	input := target
	if j.InputFile != "" {
		input = absPath(j.InputFile)
	}
	sameFile := input == target

	info, err := os.Stat(input)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return newFailure(ErrFileNotFound, "file does not exist: %s", input)
	}
	originalSize := info.Size()

	maxPasses := j.MaxPasses
	if maxPasses == 0 {
		maxPasses = DefaultMaxPasses
	}
	if maxPasses < minPasses {
		maxPasses = minPasses
	}

	// The trailer is located exactly once, from the unmodified input; its
	// offset stays valid because every pass restores the same bytes.
	trailer, sawCandidate, err := LocateTrailer(input, j.Lenient)
	if err != nil {
		return wrapFailure(ErrTrailerRead, err, "unable to read file %s", input)
	}

	if trailer == nil {
		if sawCandidate {
			// An EOCD signature was seen but no candidate validated. The
			// trailer tweak cannot safely operate on such a file, so fall
			// back to a single direct signing pass.
			fmt.Fprintf(j.stderr(), "Warning: %s has an inconsistent ZIP trailer; signing it as-is\n", input)
		} else {
			fmt.Fprintln(j.stdout(), "You don't need signwrap to sign this file")
		}
		return j.signOnce(ctx, input, target)
	}

	if j.Verbose {
		fmt.Fprintf(j.stdout(), "Found ZIP trailer with comment length %d at offset %d\n",
			trailer.CommentSize, trailer.CommentSizeOffset)
	}

	backup := ""
	if !j.InPlace {
		backup, err = j.createBackup(input)
		if err != nil {
			return err
		}
		defer func() {
			j.finishBackup(backup, target, sameFile, retErr != nil)
		}()
	}

	signer, err := j.buildSigner(input, backup, sameFile)
	if err != nil {
		return err
	}

	guess := int64(0)
	for pass := 0; pass < maxPasses; pass++ {
		if pass == 0 {
			fmt.Fprintf(j.stdout(), "Signing file %s\n", target)
		} else {
			fmt.Fprintf(j.stdout(), "    Resigning with signature size %d\n", guess)
			if err := j.preparePass(input, target, backup, sameFile, trailer, guess); err != nil {
				return err
			}
		}

		if err := signer.Sign(ctx); err != nil {
			return signFailure(err, target)
		}

		st, err := os.Stat(target)
		if err != nil {
			return wrapFailure(ErrSigningFailed, err, "signing did not produce %s", target)
		}
		delta := st.Size() - originalSize
		if delta == guess {
			// Fixed point: the signature occupies exactly the comment bytes
			// we reserved for it.
			return nil
		}
		guess = delta
	}

	return newFailure(ErrConvergenceExhausted,
		"signature size still changing after %d passes", maxPasses)
}

// signOnce handles files without a usable ZIP trailer: a single direct
// signing pass with no convergence loop.
func (j *Job) signOnce(ctx context.Context, input, target string) error {
	if j.BackupOriginal {
		backup, err := j.createBackup(input)
		if err != nil {
			return err
		}
		if j.Verbose {
			fmt.Fprintf(j.stdout(), "Kept a copy of the original at %s\n", backup)
		}
	}

	signer, err := j.buildSigner(input, "", true)
	if err != nil {
		return err
	}
	fmt.Fprintf(j.stdout(), "Signing file %s\n", target)
	if err := signer.Sign(ctx); err != nil {
		return signFailure(err, target)
	}
	return nil
}

// preparePass restores the working bytes and patches the comment-length
// field to reserve room for the predicted signature.
func (j *Job) preparePass(input, target, backup string, sameFile bool, trailer *Trailer, guess int64) error {
	newSize := int64(trailer.CommentSize) + guess
	if newSize < 0 || newSize > maxCommentSize {
		return newFailure(ErrSigningFailed,
			"signature size %d cannot be absorbed by the ZIP comment field", guess)
	}

	switch {
	case j.InPlace:
		// No working copy; the signing tool is trusted to re-sign the file
		// as it stands.
		return j.patch(target, trailer, uint16(newSize))
	case sameFile:
		if err := j.copyFile(backup, target); err != nil {
			return wrapFailure(ErrBackupConflict, err, "couldn't restore %s", target)
		}
		return j.patch(target, trailer, uint16(newSize))
	default:
		// Distinct input and output: the signing tool reads the working
		// copy, so refresh and patch that.
		if err := j.copyFile(input, backup); err != nil {
			return wrapFailure(ErrBackupConflict, err, "couldn't refresh working copy %s", backup)
		}
		return j.patch(backup, trailer, uint16(newSize))
	}
}

func (j *Job) patch(path string, trailer *Trailer, size uint16) error {
	if err := WriteCommentSize(path, trailer.CommentSizeOffset, size); err != nil {
		return wrapFailure(ErrTrailerRead, err, "unable to patch trailer of %s", path)
	}
	return nil
}

// createBackup puts a byte-identical copy of the pristine input alongside
// it, replacing any stale copy from an earlier run.
func (j *Job) createBackup(input string) (string, error) {
	backup := backupPath(input)
	if _, err := os.Stat(backup); err == nil {
		if err := os.Remove(backup); err != nil {
			return "", wrapFailure(ErrBackupConflict, err, "couldn't delete backup file %s", backup)
		}
	}
	if err := j.copyFile(input, backup); err != nil {
		return "", wrapFailure(ErrBackupConflict, err, "couldn't create backup file %s", backup)
	}
	return backup, nil
}

// finishBackup releases the working copy when the operation ends. On a
// failed same-file run the target is first restored from it, so the caller
// never loses the pristine bytes.
func (j *Job) finishBackup(backup, target string, sameFile, failed bool) {
	if backup == "" {
		return
	}
	if failed && sameFile {
		if err := j.copyFile(backup, target); err != nil {
			fmt.Fprintf(j.stderr(), "Warning: couldn't restore %s from %s: %v\n", target, backup, err)
			return
		}
	}
	if !j.BackupOriginal {
		if err := os.Remove(backup); err != nil {
			fmt.Fprintf(j.stderr(), "Warning: couldn't delete backup file %s: %v\n", backup, err)
		}
	}
}

// buildSigner returns the configured Signer, constructing a CommandSigner
// from the command line when none was supplied. With distinct input and
// output files, command arguments naming the input are redirected to the
// working copy.
func (j *Job) buildSigner(input, backup string, sameFile bool) (Signer, error) {
	if j.Signer != nil {
		return j.Signer, nil
	}
	if len(j.Command) == 0 {
		return nil, newFailure(ErrSigningFailed, "no signing command or signer configured")
	}

	argv := j.Command
	if !sameFile && backup != "" {
		argv = redirectArgs(argv, input, backup)
	}
	return &CommandSigner{
		Argv:    argv,
		Dir:     j.Dir,
		Verbose: j.Verbose,
		Stdout:  j.Stdout,
		Stderr:  j.Stderr,
	}, nil
}

// redirectArgs replaces command arguments naming the pristine input with
// the working copy path.
func redirectArgs(argv []string, input, backup string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		if i > 0 && absPath(arg) == input {
			out[i] = backup
		} else {
			out[i] = arg
		}
	}
	return out
}

func (j *Job) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if j.copyBuf == nil {
		j.copyBuf = make([]byte, copyBufSize)
	}
	if _, err := io.CopyBuffer(out, in, j.copyBuf); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// backupPath derives the working-copy name by inserting the backup marker
// before the file extension: app.exe -> app-presign.exe.
func backupPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + backupMarker + ext
}

func signFailure(err error, target string) error {
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return wrapFailure(ErrSigningFailed, err, "unable to sign file %s", target)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func (j *Job) stdout() io.Writer {
	if j.Stdout != nil {
		return j.Stdout
	}
	return os.Stdout
}

func (j *Job) stderr() io.Writer {
	if j.Stderr != nil {
		return j.Stderr
	}
	return os.Stderr
}
