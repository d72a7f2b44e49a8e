// Package swharness wires the software execution path: Job Parser ->
// Address-Space Model -> Execution Supervisor -> Result Assembler
// (spec.md §2's "Control flow (software path): A -> D -> E -> G").
package swharness

import (
	"fmt"
	"io"

	"w65test/internal/bus"
	"w65test/internal/job"
	"w65test/internal/result"
	"w65test/internal/supervisor"
)

// Run decodes a job document from r and executes it entirely
// in-process, returning the assembled result document.
func Run(r io.Reader) (*result.Document, error) {
	j, err := job.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("swharness: %w", err)
	}
	return RunJob(j), nil
}

// RunJob executes an already-decoded job. Exposed separately from Run
// so callers that already hold a Job can run it without round-tripping
// through JSON.
func RunJob(j *job.Job) *result.Document {
	mem := bus.New(j)
	sup := supervisor.New(j, mem)
	res := sup.Run()
	return result.Assemble(res.NumCycles, res.LastPC, string(res.Cause), res.Cycles, j.SerialOutFmt, mem.SerialOut())
}
