package workflows

import (
	"testing"

	"github.com/webgrove/api/internal/deploy"
	"github.com/webgrove/api/internal/flowengine"
	"github.com/webgrove/api/internal/generation"
)

func stepNames(def flowengine.WorkflowDefinition) []string {
	steps := def.Steps()
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	return names
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestAllRegistersEveryWorkflow(t *testing.T) {
	defs := All()
	if len(defs) != 5 {
		t.Fatalf("All() returned %d definitions, want 5", len(defs))
	}

	seen := map[string]bool{}
	for _, def := range defs {
		if seen[def.Type()] {
			t.Errorf("duplicate workflow type %q", def.Type())
		}
		seen[def.Type()] = true
		if def.Version() != 1 {
			t.Errorf("%s version = %d, want 1", def.Type(), def.Version())
		}
		if len(def.Steps()) == 0 {
			t.Errorf("%s has no steps", def.Type())
		}
	}
	for _, want := range []string{
		generation.WorkflowClusterGeneration,
		generation.WorkflowClusterRefresh,
		generation.WorkflowExtraPage,
		deploy.WorkflowSiteDeployment,
		deploy.WorkflowSiteRedeployment,
	} {
		if !seen[want] {
			t.Errorf("workflow type %q missing", want)
		}
	}
}

func TestClusterWorkflowsShareSteps(t *testing.T) {
	want := []string{"generate_pages", "build_cluster"}
	for _, def := range []flowengine.WorkflowDefinition{ClusterGeneration(), ClusterRefresh()} {
		if got := stepNames(def); !equalNames(got, want) {
			t.Errorf("%s steps = %v, want %v", def.Type(), got, want)
		}
		for _, step := range def.Steps() {
			if step.Compensate != "" {
				t.Errorf("%s step %s has a compensation; generation rolls back in the continuation", def.Type(), step.Name)
			}
			if step.Timeout != contentStepTimeout {
				t.Errorf("%s step %s timeout = %v", def.Type(), step.Name, step.Timeout)
			}
		}
	}
}

func TestExtraPageSingleStep(t *testing.T) {
	def := ExtraPage()
	if got := stepNames(def); !equalNames(got, []string{"generate_extra_page"}) {
		t.Fatalf("steps = %v", got)
	}
	if def.Steps()[0].Action != generation.ActivityExtraPage {
		t.Errorf("action = %s", def.Steps()[0].Action)
	}
}

func TestSiteDeploymentSteps(t *testing.T) {
	def := SiteDeployment()
	want := []string{
		deploy.StepCheckServer,
		deploy.StepSetupEnvironment,
		deploy.StepRegisterDNS,
		deploy.StepInstallSoftware,
		deploy.StepUploadArtifacts,
	}
	if got := stepNames(def); !equalNames(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}

	steps := def.Steps()
	check := steps[0]
	if check.Compensate != deploy.ActivityDeleteServer {
		t.Errorf("check_server compensate = %s", check.Compensate)
	}
	if check.Retry == nil || check.Retry.MaxAttempts != 2 {
		t.Errorf("check_server retry = %+v", check.Retry)
	}
	if check.Timeout != hostStepTimeout {
		t.Errorf("check_server timeout = %v", check.Timeout)
	}

	dns := steps[2]
	if dns.Compensate != deploy.ActivityRemoveDNS {
		t.Errorf("register_dns compensate = %s", dns.Compensate)
	}

	for _, name := range []string{deploy.StepSetupEnvironment, deploy.StepInstallSoftware, deploy.StepUploadArtifacts} {
		for _, step := range steps {
			if step.Name == name && step.Compensate != "" {
				t.Errorf("step %s has unexpected compensation %s", name, step.Compensate)
			}
		}
	}
}

func TestSiteRedeploymentSkipsProvisioning(t *testing.T) {
	def := SiteRedeployment()
	want := []string{
		deploy.StepRegisterDNS,
		deploy.StepInstallSoftware,
		deploy.StepUploadArtifacts,
	}
	if got := stepNames(def); !equalNames(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
}
