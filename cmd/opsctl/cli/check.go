package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/opsdash/jobs"
)

// RuleChecker reports stored rules the evaluator would drop.
type RuleChecker interface {
	Check(ctx context.Context) ([]jobs.RuleProblem, error)
}

// CheckOptions defines the flags of the check command.
type CheckOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ParseCheckFlags parses the check command line.
func ParseCheckFlags(args []string) (CheckOptions, error) {
	var opts CheckOptions
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	fs.BoolVar(&opts.JSONOutput, "json", false, "print problems as JSON")
	if err := fs.Parse(args); err != nil {
		return CheckOptions{}, err
	}
	return opts, nil
}

type problemJSON struct {
	ID      int64  `json:"id"`
	Feature string `json:"feature"`
	Error   string `json:"error"`
}

// CheckCommand validates stored rules. Exit code 10 signals problems.
func CheckCommand(ctx context.Context, checker RuleChecker, opts CheckOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	problems, err := checker.Check(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "check: %v\n", err)
		return 1
	}

	if opts.JSONOutput {
		out := make([]problemJSON, 0, len(problems))
		for _, p := range problems {
			out = append(out, problemJSON{ID: p.ID, Feature: p.Feature, Error: p.Err.Error()})
		}
		if err := json.NewEncoder(opts.Stdout).Encode(out); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "check: encode json: %v\n", err)
			return 1
		}
	} else if len(problems) == 0 {
		_, _ = fmt.Fprintln(opts.Stdout, "all rules valid")
	} else {
		for _, p := range problems {
			_, _ = fmt.Fprintf(opts.Stdout, "rule %d (%s): %v\n", p.ID, p.Feature, p.Err)
		}
	}
	if len(problems) > 0 {
		return 10
	}
	return 0
}
