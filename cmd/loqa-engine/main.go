package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/loqalabs/loqa-stt/internal/engine/wasm"
	"github.com/loqalabs/loqa-stt/internal/engine/wasm/manifest"
)

var version = "0.1.0-dev"

func main() {
	var manifestPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "engine.yaml", "Path to engine manifest")
	inspectCmd := flag.NewFlagSet("inspect", flag.ExitOnError)
	inspectCmd.StringVar(&manifestPath, "file", "engine.yaml", "Path to engine manifest")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'inspect' or 'version'")
		os.Exit(2)
	}

	ctx := context.Background()
	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(ctx, manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("engine valid")
	case "inspect":
		inspectCmd.Parse(os.Args[2:])
		ok, err := runInspect(ctx, manifestPath, os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
	case "version":
		fmt.Printf("%s (abi %s)\n", version, manifest.ABIVersion)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func load(ctx context.Context, path string) (manifest.Manifest, wasm.Report, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return m, wasm.Report{}, err
	}
	if err := manifest.Validate(m); err != nil {
		return m, wasm.Report{}, err
	}
	wasmBytes, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return m, wasm.Report{}, fmt.Errorf("read wasm module: %w", err)
	}
	report, err := wasm.Inspect(ctx, wasmBytes)
	return m, report, err
}

func runValidate(ctx context.Context, path string) error {
	_, report, err := load(ctx, path)
	if err != nil {
		return err
	}
	return report.Err
}

// runInspect prints the export table and reports whether it is complete.
func runInspect(ctx context.Context, path string, out io.Writer) (bool, error) {
	m, report, err := load(ctx, path)
	if err != nil {
		return false, err
	}
	fmt.Fprintf(out, "%s %s (%s)\n", m.Metadata.Name, m.Metadata.Version, m.Runtime.Module)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSTATUS\tDETAIL")
	for _, status := range report.Symbols {
		state, detail := "ok", ""
		switch {
		case !status.Present:
			state = "missing"
		case status.Mismatch != "":
			state, detail = "mismatch", status.Mismatch
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", status.Name, state, detail)
	}
	memory := "ok"
	if !report.Memory {
		memory = "missing"
	}
	fmt.Fprintf(tw, "memory\t%s\t\n", memory)
	if err := tw.Flush(); err != nil {
		return false, err
	}
	return report.Err == nil, nil
}
