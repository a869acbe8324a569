// Package workflows declares the step sequences: which activities run, in
// what order, under what retry and timeout policy, and what undoes them.
package workflows

import (
	"time"

	"github.com/webgrove/api/internal/deploy"
	"github.com/webgrove/api/internal/flowengine"
	"github.com/webgrove/api/internal/generation"
)

type definition struct {
	workflowType string
	version      int
	steps        []flowengine.StepDefinition
}

func (d *definition) Type() string                      { return d.workflowType }
func (d *definition) Version() int                      { return d.version }
func (d *definition) Steps() []flowengine.StepDefinition { return d.steps }

// checkServerRetry gives the provisioning step two attempts total. Each
// attempt already polls the provider for the whole step timeout, so a third
// try would only delay the failure continuation.
var checkServerRetry = flowengine.RetryPolicy{
	MaxAttempts:     2,
	InitialInterval: 5 * time.Second,
	MaxInterval:     30 * time.Second,
}

// contentStepTimeout bounds one content-service batch. Generation is the
// slowest call in the system.
const contentStepTimeout = 5 * time.Minute

// hostStepTimeout bounds one SSH-driven step.
const hostStepTimeout = 10 * time.Minute

// ClusterGeneration is the two-phase cluster run: generate the page batch,
// then build and publish the structure.
func ClusterGeneration() flowengine.WorkflowDefinition {
	return &definition{
		workflowType: generation.WorkflowClusterGeneration,
		version:      1,
		steps:        clusterSteps(),
	}
}

// ClusterRefresh reuses the cluster step sequence; the activity picks the
// refresh batch kind from the job payload.
func ClusterRefresh() flowengine.WorkflowDefinition {
	return &definition{
		workflowType: generation.WorkflowClusterRefresh,
		version:      1,
		steps:        clusterSteps(),
	}
}

func clusterSteps() []flowengine.StepDefinition {
	return []flowengine.StepDefinition{
		{
			Name:    "generate_pages",
			Action:  generation.ActivityGeneratePages,
			Timeout: contentStepTimeout,
		},
		{
			Name:    "build_cluster",
			Action:  generation.ActivityBuildCluster,
			Timeout: contentStepTimeout,
		},
	}
}

// ExtraPage is the single-step extra-page run on a deployed site.
func ExtraPage() flowengine.WorkflowDefinition {
	return &definition{
		workflowType: generation.WorkflowExtraPage,
		version:      1,
		steps: []flowengine.StepDefinition{
			{
				Name:    "generate_extra_page",
				Action:  generation.ActivityExtraPage,
				Timeout: contentStepTimeout,
			},
		},
	}
}

// SiteDeployment is the full provisioning saga for a site without a server.
func SiteDeployment() flowengine.WorkflowDefinition {
	return &definition{
		workflowType: deploy.WorkflowSiteDeployment,
		version:      1,
		steps: append([]flowengine.StepDefinition{
			{
				Name:       deploy.StepCheckServer,
				Action:     deploy.ActivityCheckServer,
				Compensate: deploy.ActivityDeleteServer,
				Retry:      &checkServerRetry,
				Timeout:    hostStepTimeout,
			},
			{
				Name:    deploy.StepSetupEnvironment,
				Action:  deploy.ActivitySetupEnvironment,
				Timeout: hostStepTimeout,
			},
		}, tailSteps()...),
	}
}

// SiteRedeployment skips provisioning and environment setup: the site's
// server is reused as-is and the run starts at DNS registration.
func SiteRedeployment() flowengine.WorkflowDefinition {
	return &definition{
		workflowType: deploy.WorkflowSiteRedeployment,
		version:      1,
		steps:        tailSteps(),
	}
}

// tailSteps is the shared back half of both deployment sagas.
func tailSteps() []flowengine.StepDefinition {
	return []flowengine.StepDefinition{
		{
			Name:       deploy.StepRegisterDNS,
			Action:     deploy.ActivityRegisterDNS,
			Compensate: deploy.ActivityRemoveDNS,
		},
		{
			Name:    deploy.StepInstallSoftware,
			Action:  deploy.ActivityInstallSoftware,
			Timeout: hostStepTimeout,
		},
		{
			Name:    deploy.StepUploadArtifacts,
			Action:  deploy.ActivityUploadArtifacts,
			Timeout: hostStepTimeout,
		},
	}
}

// All returns every workflow definition for engine registration.
func All() []flowengine.WorkflowDefinition {
	return []flowengine.WorkflowDefinition{
		ClusterGeneration(),
		ClusterRefresh(),
		ExtraPage(),
		SiteDeployment(),
		SiteRedeployment(),
	}
}
