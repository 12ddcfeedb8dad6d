// Package manifest loads job manifests: a job, its arguments, and its
// ordered steps declared in one YAML or JSON document.
package manifest

import (
	"context"
	"fmt"

	"github.com/3leaps/gostep/pkg/jobregistry"
)

// Manifest declares a job.
//
// Example:
//
//	version: "1.0"
//	id: render-42
//	args:
//	  preset: fast
//	submit: true
//	steps:
//	  - target: out/frame.png
//	    command: ["render", "--frame", "1"]
//	  - target: out/
//	    command: "encode out/*.png"
type Manifest struct {
	// Schema is the optional $schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest format version. Only "1.0" is defined.
	Version string `json:"version" yaml:"version"`

	// ID is the job id. Empty means generated.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Args are forwarded to every step processor call.
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// Submit queues the job right after creation.
	Submit bool `json:"submit,omitempty" yaml:"submit,omitempty"`

	Steps []Step `json:"steps" yaml:"steps"`
}

// Step declares one step.
type Step struct {
	// Target is the file or directory the step writes to.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Command is shorthand for args.command: a shell string or argv list.
	Command any `json:"command,omitempty" yaml:"command,omitempty"`

	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// StepArgs merges Command into the step args.
func (s Step) StepArgs() jobregistry.Args {
	args := jobregistry.Args{}
	for k, v := range s.Args {
		args[k] = v
	}
	if s.Command != nil {
		args["command"] = s.Command
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Apply creates the job and its steps in store, submitting it when the
// manifest asks for that. A partially created job is deleted on failure.
func (m *Manifest) Apply(ctx context.Context, store *jobregistry.Store) (*jobregistry.Job, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest is nil")
	}

	job, err := store.CreateJob(ctx, m.ID, m.Args)
	if err != nil {
		return nil, err
	}

	cleanup := func(cause error) error {
		if delErr := store.DeleteJob(context.WithoutCancel(ctx), job.ID); delErr != nil {
			return fmt.Errorf("%w (cleanup failed: %v)", cause, delErr)
		}
		return cause
	}

	for i, step := range m.Steps {
		if _, err := store.AddStep(ctx, job.ID, step.Target, step.StepArgs()); err != nil {
			return nil, cleanup(fmt.Errorf("add step %d: %w", i, err))
		}
	}
	if m.Submit {
		if err := store.SubmitJob(ctx, job.ID); err != nil {
			return nil, cleanup(err)
		}
	}

	return store.GetJob(ctx, job.ID)
}
