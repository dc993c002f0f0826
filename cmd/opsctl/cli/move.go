package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/deals"
	"github.com/odyssey-erp/opsdash/internal/pipeline"
)

// MoveOptions defines the flags of the move command.
type MoveOptions struct {
	API         string
	ID          int64
	Stage       string
	PrincipalID string
	Role        string
	Token       string
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// ParseMoveFlags parses the move command line.
func ParseMoveFlags(args []string) (MoveOptions, error) {
	var opts MoveOptions
	fs := pflag.NewFlagSet("move", pflag.ContinueOnError)
	fs.StringVar(&opts.API, "api", "http://localhost:8080", "dashboard base URL")
	fs.Int64Var(&opts.ID, "id", 0, "deal id")
	fs.StringVar(&opts.Stage, "stage", "", "target stage")
	fs.StringVar(&opts.PrincipalID, "principal-id", "", "acting principal id (header mode)")
	fs.StringVar(&opts.Role, "role", "", "acting principal role (header mode)")
	fs.StringVar(&opts.Token, "token", "", "bearer token (token mode)")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return MoveOptions{}, err
	}
	if opts.ID <= 0 {
		return MoveOptions{}, errors.New("--id is required")
	}
	if strings.TrimSpace(opts.Stage) == "" {
		return MoveOptions{}, errors.New("--stage is required")
	}
	if opts.Token == "" {
		if strings.TrimSpace(opts.PrincipalID) == "" {
			return MoveOptions{}, errors.New("--principal-id or --token is required")
		}
		if _, err := access.ParseRole(opts.Role); err != nil {
			return MoveOptions{}, fmt.Errorf("--role: %w", err)
		}
	}
	return opts, nil
}

// Principal returns the acting principal described by the flags. In token
// mode the server derives the principal from the token instead.
func (o MoveOptions) Principal() access.Principal {
	role, _ := access.ParseRole(o.Role)
	return access.Principal{ID: o.PrincipalID, Role: role}
}

type moveJSON struct {
	Status     string     `json:"status"`
	Superseded bool       `json:"superseded,omitempty"`
	Deal       deals.Deal `json:"deal"`
	Error      string     `json:"error,omitempty"`
}

// MoveCommand moves one deal through the coordinator. Exit code 10 signals
// a reverted move.
func MoveCommand(ctx context.Context, store pipeline.RecordStore, opts MoveOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	p := opts.Principal()
	coord := pipeline.NewCoordinator(pipeline.NewBoard(), store, nil)
	if err := coord.Sync(ctx, p); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "move: load board: %v\n", err)
		return 1
	}
	res := coord.MoveStage(ctx, p, opts.ID, deals.Stage(opts.Stage))

	if opts.JSONOutput {
		out := moveJSON{Status: res.Status.String(), Superseded: res.Superseded, Deal: res.Deal}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		if err := json.NewEncoder(opts.Stdout).Encode(out); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "move: encode json: %v\n", err)
			return 1
		}
	} else if res.Status == pipeline.StatusApplied {
		_, _ = fmt.Fprintf(opts.Stdout, "deal %d: %s (%s)\n", opts.ID, res.Deal.Stage, res.Status)
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "deal %d: %s: %v\n", opts.ID, res.Status, res.Err)
	}
	if res.Status != pipeline.StatusApplied {
		return 10
	}
	return 0
}
