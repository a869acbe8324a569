package status

import "testing"

func TestClusterTransitions(t *testing.T) {
	cases := []struct {
		from  ClusterStatus
		to    ClusterStatus
		legal bool
	}{
		{ClusterDraft, ClusterGenerating, true},
		{ClusterDraft, ClusterStep2, true},
		{ClusterStep2, ClusterGenerating, true},
		{ClusterGenerating, ClusterGenerated, true},
		{ClusterGenerating, ClusterDraft, true},
		{ClusterGenerating, ClusterStep2, true},
		{ClusterGenerating, ClusterBuilt, true},
		{ClusterGenerating, ClusterBuildFailed, true},
		{ClusterGenerated, ClusterBuilding, true},
		{ClusterGenerated, ClusterBuildFailed, true},
		{ClusterBuilding, ClusterBuilt, true},
		{ClusterBuilding, ClusterBuildFailed, true},
		{ClusterBuilt, ClusterGenerating, true},
		{ClusterBuilt, ClusterBuilding, true},
		{ClusterBuildFailed, ClusterBuilding, true},
		{ClusterBuildFailed, ClusterGenerating, true},

		{ClusterDraft, ClusterBuilt, false},
		{ClusterDraft, ClusterGenerated, false},
		{ClusterGenerated, ClusterDraft, false},
		{ClusterBuilt, ClusterDraft, false},
		{ClusterBuilt, ClusterBuilt, false},
		{ClusterBuildFailed, ClusterBuilt, false},
	}
	for _, tc := range cases {
		if got := CanTransitionCluster(tc.from, tc.to); got != tc.legal {
			t.Errorf("CanTransitionCluster(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.legal)
		}
	}
}

func TestSiteTransitions(t *testing.T) {
	cases := []struct {
		from  SiteStatus
		to    SiteStatus
		legal bool
	}{
		{SiteDraft, SiteGenerating, true},
		{SiteGenerating, SiteGenerated, true},
		{SiteGenerating, SiteBuildFailed, true},
		{SiteGenerating, SiteDraft, true},
		{SiteGenerated, SiteDeploying, true},
		{SiteBuildFailed, SiteDeploying, true},
		{SiteDeploying, SiteDeployed, true},
		{SiteDeploying, SiteDeployFailed, true},
		{SiteDeploying, SiteError, true},
		{SiteDeploying, SiteGenerated, true},
		{SiteDeploying, SiteBuildFailed, true},
		{SiteDeployed, SiteDeploying, true},
		{SiteDeployed, SiteExtraPageGenerating, true},
		{SiteDeployFailed, SiteDeploying, true},
		{SiteError, SiteDeploying, true},
		{SiteExtraPageGenerating, SiteDeployed, true},
		{SiteExtraPageGenerating, SiteError, true},

		{SiteDraft, SiteDeployed, false},
		{SiteDraft, SiteDeploying, false},
		{SiteDeployed, SiteDraft, false},
		{SiteDeployed, SiteDeployed, false},
		{SiteExtraPageGenerating, SiteDeploying, false},
	}
	for _, tc := range cases {
		if got := CanTransitionSite(tc.from, tc.to); got != tc.legal {
			t.Errorf("CanTransitionSite(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.legal)
		}
	}
}

func TestValidStatuses(t *testing.T) {
	if !ValidCluster(ClusterDraft) {
		t.Error("ValidCluster(DRAFT) = false")
	}
	if ValidCluster(ClusterStatus("NOPE")) {
		t.Error("ValidCluster(NOPE) = true")
	}
	if !ValidSite(SiteDeployed) {
		t.Error("ValidSite(DEPLOYED) = false")
	}
	if ValidSite(SiteStatus("NOPE")) {
		t.Error("ValidSite(NOPE) = true")
	}
}

func TestInProgressPredicates(t *testing.T) {
	for _, s := range []ClusterStatus{ClusterGenerating, ClusterBuilding} {
		if !InProgressCluster(s) {
			t.Errorf("InProgressCluster(%s) = false", s)
		}
	}
	for _, s := range []ClusterStatus{ClusterDraft, ClusterStep2, ClusterGenerated, ClusterBuilt, ClusterBuildFailed} {
		if InProgressCluster(s) {
			t.Errorf("InProgressCluster(%s) = true", s)
		}
	}

	for _, s := range []SiteStatus{SiteGenerating, SiteDeploying, SiteExtraPageGenerating} {
		if !InProgressSite(s) {
			t.Errorf("InProgressSite(%s) = false", s)
		}
	}
	for _, s := range []SiteStatus{SiteDraft, SiteGenerated, SiteDeployed, SiteError} {
		if InProgressSite(s) {
			t.Errorf("InProgressSite(%s) = true", s)
		}
	}
}

func TestAbilityPredicates(t *testing.T) {
	for _, s := range []ClusterStatus{ClusterDraft, ClusterStep2, ClusterBuilt} {
		if !AbleToGenerateCluster(s) {
			t.Errorf("AbleToGenerateCluster(%s) = false", s)
		}
	}
	if AbleToGenerateCluster(ClusterGenerating) {
		t.Error("AbleToGenerateCluster(GENERATING) = true")
	}

	if !AbleToRefreshCluster(ClusterBuilt) {
		t.Error("AbleToRefreshCluster(BUILT) = false")
	}
	if AbleToRefreshCluster(ClusterDraft) {
		t.Error("AbleToRefreshCluster(DRAFT) = true")
	}

	for _, s := range []SiteStatus{SiteGenerated, SiteBuildFailed, SiteDeployFailed, SiteError} {
		if !AbleToDeploySite(s) {
			t.Errorf("AbleToDeploySite(%s) = false", s)
		}
	}
	if AbleToDeploySite(SiteDeployed) {
		t.Error("AbleToDeploySite(DEPLOYED) = true")
	}

	for _, s := range []SiteStatus{SiteGenerated, SiteBuildFailed, SiteDeployFailed} {
		if !SweepableSite(s) {
			t.Errorf("SweepableSite(%s) = false", s)
		}
	}
	// ERROR needs an operator decision, the sweep leaves it alone.
	if SweepableSite(SiteError) {
		t.Error("SweepableSite(ERROR) = true")
	}
}

func TestErrorHelpers(t *testing.T) {
	conflict := &StateConflictError{EntityID: "c-1", Current: "DRAFT", Requested: "BUILT"}
	if !IsStateConflict(conflict) {
		t.Error("IsStateConflict() = false for StateConflictError")
	}
	if conflict.Error() == "" {
		t.Error("empty StateConflictError message")
	}

	busy := &AlreadyInProgressError{EntityID: "c-1", Current: "GENERATING"}
	if !IsAlreadyInProgress(busy) {
		t.Error("IsAlreadyInProgress() = false for AlreadyInProgressError")
	}
	if IsStateConflict(busy) || IsAlreadyInProgress(conflict) {
		t.Error("error helpers cross-matched")
	}
}
