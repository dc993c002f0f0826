package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/rules"
)

// Seeder upserts rules by feature.
type Seeder interface {
	Seed(ctx context.Context, p access.Principal, reqs []rules.CreateRuleRequest) (rules.BulkResult, error)
}

// SeedOptions defines the flags of the seed command.
type SeedOptions struct {
	File       string
	Actor      string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
	Open       func(path string) (io.ReadCloser, error)
}

// ParseSeedFlags parses the seed command line.
func ParseSeedFlags(args []string) (SeedOptions, error) {
	var opts SeedOptions
	fs := pflag.NewFlagSet("seed", pflag.ContinueOnError)
	fs.StringVarP(&opts.File, "file", "f", "", "YAML rule matrix to load")
	fs.StringVar(&opts.Actor, "actor", "opsctl", "principal id recorded in the audit log")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return SeedOptions{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return SeedOptions{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

// SeedCommand loads a rule matrix and upserts it. It returns the process
// exit code: 0 on success, 1 on usage or I/O errors, 10 when some rules
// failed.
func SeedCommand(ctx context.Context, seeder Seeder, opts SeedOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Open == nil {
		opts.Open = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}
	if strings.TrimSpace(opts.File) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "seed: --file is required")
		return 1
	}
	f, err := opts.Open(opts.File)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "seed: %v\n", err)
		return 1
	}
	defer f.Close()

	reqs, err := rules.LoadSeed(f)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "seed: %v\n", err)
		return 1
	}
	actor := access.Principal{ID: opts.Actor, Name: "opsctl", Role: access.Admin}
	result, err := seeder.Seed(ctx, actor, reqs)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "seed: %v\n", err)
		return 1
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(result); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "seed: encode json: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "saved %d rules\n", len(result.Saved))
		for _, f := range result.Failed {
			_, _ = fmt.Fprintf(opts.Stdout, "  item %d (%s): %s\n", f.Index, f.Feature, f.Error)
		}
	}
	if !result.Complete() {
		return 10
	}
	return 0
}
