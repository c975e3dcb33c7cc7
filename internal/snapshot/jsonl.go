// Package snapshot exports the local store as JSONL and imports it back.
//
// Each line is one schema.Candidate. Imports go through the merge layer as
// PULL candidates, so an old snapshot never overwrites newer local state.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

// maxLine bounds one JSONL record.
const maxLine = 4 << 20

// Applier merges one candidate.
type Applier interface {
	Apply(ctx context.Context, c schema.Candidate) (merge.Decision, error)
}

// ExportResult counts what Export wrote.
type ExportResult struct {
	Rows       map[schema.Kind]int
	Tombstones int
	// Skipped counts entities that exist only as unconfirmed local
	// changes.
	Skipped int
}

// ImportResult counts what Import did with each line.
type ImportResult struct {
	Lines     int
	Accepted  int
	Rejected  int
	Conflicts int
	Errors    []string
}

// Export writes the accepted state of every entity, tombstones included.
// Optimistic overlays are not exported.
func Export(ctx context.Context, s *store.Store, w io.Writer) (*ExportResult, error) {
	res := &ExportResult{Rows: make(map[schema.Kind]int)}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for _, kind := range schema.Kinds {
		rows, err := s.ListAll(ctx, kind)
		if err != nil {
			return res, fmt.Errorf("failed to list %s rows: %w", kind, err)
		}
		for _, row := range rows {
			c := row.Accepted()
			if c == nil {
				res.Skipped++
				continue
			}
			if err := enc.Encode(c); err != nil {
				return res, fmt.Errorf("failed to write %s: %w", c.Key(), err)
			}
			res.Rows[kind]++
			if c.Deleted {
				res.Tombstones++
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return res, fmt.Errorf("failed to flush export: %w", err)
	}
	return res, nil
}

// Import reads JSONL candidates from r and merges them. Lines that do not
// decode or that the applier fails on are reported in ImportResult.Errors
// and do not stop the import; a read error or a cancelled ctx does.
func Import(ctx context.Context, r io.Reader, a Applier) (*ImportResult, error) {
	res := &ImportResult{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)

	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Lines++

		var c schema.Candidate
		if err := json.Unmarshal(line, &c); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		c.Source = schema.SourcePull

		d, err := a.Apply(ctx, c)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %s: %v", lineNum, c.Key(), err))
			continue
		}
		switch d.Outcome {
		case merge.Accept:
			res.Accepted++
		case merge.Conflict:
			res.Conflicts++
		default:
			res.Rejected++
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("failed to read snapshot at line %d: %w", lineNum+1, err)
	}
	return res, nil
}
