package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/signwrap/signwrap/pkg/signwrap"
)

const version = "1.0.0"

const usage = `signwrap - sign ZIP-carrying executables without breaking them

Signing tools append their signature to the executable, which invalidates the
ZIP archive that launcher stubs embed at the tail of the file. signwrap runs
your signing tool for you, resizing the archive's trailing comment field
until the appended signature fits it exactly.

Usage:
  signwrap [options] [--] <command>...
  signwrap [options] --p12=<path> --file=<path>
  signwrap --info --file=<path> [--verbose]
  signwrap -h | --help
  signwrap --version

Modes:
  command mode   runs the given signing command line verbatim for each pass
  built-in mode  signs without an external tool, appending a detached CMS
                 signature over the file (select it by passing a p12 bundle)
  info mode      inspects a file: ZIP trailer state, PE certificate table,
                 and any built-in seal; no signing is performed

Options:
  --file=<path>      Target executable (default: inferred from the command
                     line via -in/-out markers or the last .exe argument)
  --input=<path>     Read this file and write <file>, leaving it untouched
  --p12=<path>       PKCS#12 bundle or PEM file for the built-in signer
                     (or SIGNWRAP_P12 env var)
  --password=<pw>    Password for the PKCS#12 bundle (or SIGNWRAP_PASSWORD)
  --inplace          Patch and re-sign the target directly, with no working
                     copy; the signing tool must tolerate re-signing
  --lenient          Trust the trailer position even when its stored comment
                     length is stale
  --max-passes=<n>   Give up after this many signing passes [default: 10]
  --backup           Retain the pre-signing copy of the original file
  --verbose          Forward the signing tool's stdout and show full error
                     causes
  -h --help          Show this help message
  --version          Show version

Examples:
  # Wrap an external signing tool
  signwrap signtool sign /f cert.pfx /t http://timestamp.example app.exe

  # Keep the pristine input separate from the signed output
  signwrap osslsigncode sign -pkcs12 cert.p12 -in app.exe -out app-signed.exe

  # Sign with the built-in signer
  signwrap --p12=cert.p12 --password=secret --file=app.exe

  # Inspect a signed file
  signwrap --info --file=app.exe

Only one file can be signed per invocation.
`

func main() {
	parser := &docopt.Parser{OptionsFirst: true}
	opts, err := parser.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	verbose, _ := opts.Bool("--verbose")

	if info, _ := opts.Bool("--info"); info {
		err = runInfo(opts)
	} else {
		err = runSign(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var failure *signwrap.Failure
		if verbose && errors.As(err, &failure) && failure.Cause() != nil {
			fmt.Fprintf(os.Stderr, "Caused by: %v\n", failure.Cause())
		}
		os.Exit(1)
	}
}

func runSign(opts docopt.Opts) error {
	file, _ := opts.String("--file")
	input, _ := opts.String("--input")
	p12Path, _ := opts.String("--p12")
	password, _ := opts.String("--password")
	inPlace, _ := opts.Bool("--inplace")
	lenient, _ := opts.Bool("--lenient")
	backup, _ := opts.Bool("--backup")
	verbose, _ := opts.Bool("--verbose")

	maxPasses, err := opts.Int("--max-passes")
	if err != nil || maxPasses < 2 {
		return fmt.Errorf("--max-passes must be a number of at least 2")
	}

	var command []string
	if raw, ok := opts["<command>"].([]string); ok {
		command = raw
	}

	// Get values from environment if not provided via flags
	if p12Path == "" {
		p12Path = os.Getenv("SIGNWRAP_P12")
	}
	if password == "" {
		password = os.Getenv("SIGNWRAP_PASSWORD")
	}

	job := &signwrap.Job{
		File:           file,
		InputFile:      input,
		InPlace:        inPlace,
		Lenient:        lenient,
		MaxPasses:      maxPasses,
		BackupOriginal: backup,
		Verbose:        verbose,
	}

	if len(command) > 0 {
		// External signing tool mode.
		if job.File == "" {
			in, out := inferFiles(command)
			if out == "" {
				return fmt.Errorf("couldn't tell which file the command signs; name it with --file")
			}
			job.File = out
			if job.InputFile == "" && in != out {
				job.InputFile = in
			}
		}
		job.Command = command
		return job.Execute(context.Background())
	}

	// Built-in signer mode.
	if p12Path == "" {
		return fmt.Errorf("either a signing command or --p12 is required")
	}
	if job.File == "" {
		return fmt.Errorf("--file is required with the built-in signer")
	}
	if job.InputFile != "" {
		return fmt.Errorf("the built-in signer signs --file in place; --input is not supported")
	}
	p12Data, err := os.ReadFile(p12Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p12Path, err)
	}
	identity, err := signwrap.LoadSigningIdentity(p12Data, password)
	if err != nil {
		return err
	}
	job.Signer = &signwrap.AppendSigner{Identity: identity, Path: job.File}
	return job.Execute(context.Background())
}

func runInfo(opts docopt.Opts) error {
	file, _ := opts.String("--file")
	if file == "" {
		return fmt.Errorf("--info requires --file")
	}
	info, err := signwrap.InspectFile(file)
	if err != nil {
		return err
	}
	signwrap.PrintFileInfo(info, os.Stdout)
	return nil
}

const exeSuffix = ".exe"

// inferFiles resolves which arguments of the signing command name its input
// and output files: explicit -in/-out marker pairs win, and the last
// argument ending in .exe is the fallback for the output. Input and output
// resolving to the same path is valid.
func inferFiles(argv []string) (input, output string) {
	for i := 1; i < len(argv)-1; i++ {
		switch normalizeFlag(argv[i]) {
		case "in":
			input = argv[i+1]
		case "out":
			output = argv[i+1]
		}
	}
	if output == "" {
		for i := len(argv) - 1; i >= 1; i-- {
			if strings.HasSuffix(strings.ToLower(argv[i]), exeSuffix) {
				output = argv[i]
				break
			}
		}
	}
	if output == "" && input != "" {
		output = input
	}
	if input == "" {
		input = output
	}
	return input, output
}

// normalizeFlag strips option prefixes so that -in, --in, and /in all
// compare equal. Non-option arguments normalize to "".
func normalizeFlag(arg string) string {
	if !strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "/") {
		return ""
	}
	arg = strings.TrimPrefix(arg, "/")
	arg = strings.TrimLeft(arg, "-")
	return strings.ToLower(arg)
}
