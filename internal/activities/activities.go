// Package activities adapts the domain services' typed step bodies to the
// orchestrator's JSON activity contract and registers them by name.
package activities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/webgrove/api/internal/deploy"
	"github.com/webgrove/api/internal/flowengine"
	"github.com/webgrove/api/internal/generation"
)

// action wraps a typed step body. A payload that cannot be decoded is a
// permanent failure: retrying a malformed document cannot help.
func action[In, Out any](fn func(context.Context, In) (*Out, error)) flowengine.ActivityFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in In
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, flowengine.NewPermanentError(fmt.Errorf("decode activity input: %w", err))
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, flowengine.NewPermanentError(fmt.Errorf("encode activity output: %w", err))
		}
		return data, nil
	}
}

// compensation wraps a typed rollback body. The executor delivers the step's
// original input and output; the output is preferred because it carries what
// the forward step actually established.
func compensation[S any](fn func(context.Context, S) error) flowengine.ActivityFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var env struct {
			OriginalInput  json.RawMessage `json:"original_input"`
			OriginalOutput json.RawMessage `json:"original_output"`
		}
		if err := json.Unmarshal(input, &env); err != nil {
			return nil, flowengine.NewPermanentError(fmt.Errorf("decode compensation input: %w", err))
		}
		raw := env.OriginalOutput
		if len(raw) == 0 {
			raw = env.OriginalInput
		}

		var state S
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, flowengine.NewPermanentError(fmt.Errorf("decode compensation state: %w", err))
			}
		}
		return nil, fn(ctx, state)
	}
}

// RegisterGeneration registers the generation step bodies.
func RegisterGeneration(reg *flowengine.ActivityRegistry, svc *generation.Service) {
	reg.MustRegister(generation.ActivityGeneratePages, action(svc.GeneratePages))
	reg.MustRegister(generation.ActivityBuildCluster, action(svc.BuildCluster))
	reg.MustRegister(generation.ActivityExtraPage, action(svc.GenerateExtraPage))
}

// RegisterDeployment registers the deployment step bodies and their
// compensations.
func RegisterDeployment(reg *flowengine.ActivityRegistry, d *deploy.Deployer) {
	reg.MustRegister(deploy.ActivityCheckServer, action(d.CheckServer))
	reg.MustRegister(deploy.ActivityDeleteServer, compensation(d.DeleteServer))
	reg.MustRegister(deploy.ActivitySetupEnvironment, action(d.SetupEnvironment))
	reg.MustRegister(deploy.ActivityRegisterDNS, action(d.RegisterDNS))
	reg.MustRegister(deploy.ActivityRemoveDNS, compensation(d.RemoveDNS))
	reg.MustRegister(deploy.ActivityInstallSoftware, action(d.InstallSoftware))
	reg.MustRegister(deploy.ActivityUploadArtifacts, action(d.UploadArtifacts))
}
