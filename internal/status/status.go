// Package status defines the closed status sets for clusters and sites and
// the single transition authority every status mutation must go through.
package status

// ClusterStatus is the lifecycle state of a content cluster.
type ClusterStatus string

const (
	ClusterDraft       ClusterStatus = "DRAFT"
	ClusterStep2       ClusterStatus = "STEP2"
	ClusterGenerating  ClusterStatus = "GENERATING"
	ClusterGenerated   ClusterStatus = "GENERATED"
	ClusterBuilding    ClusterStatus = "BUILDING"
	ClusterBuilt       ClusterStatus = "BUILT"
	ClusterBuildFailed ClusterStatus = "BUILD_FAILED"
)

// SiteStatus is the lifecycle state of a deployable site.
type SiteStatus string

const (
	SiteDraft               SiteStatus = "DRAFT"
	SiteGenerating          SiteStatus = "GENERATING"
	SiteGenerated           SiteStatus = "GENERATED"
	SiteBuildFailed         SiteStatus = "BUILD_FAILED"
	SiteDeploying           SiteStatus = "DEPLOYING"
	SiteDeployed            SiteStatus = "DEPLOYED"
	SiteDeployFailed        SiteStatus = "DEPLOY_FAILED"
	SiteError               SiteStatus = "ERROR"
	SiteExtraPageGenerating SiteStatus = "EXTRA_PAGE_GENERATING"
)

// clusterTransitions is the allowed-transition table for clusters.
// A refresh re-enters GENERATING from BUILT.
var clusterTransitions = map[ClusterStatus][]ClusterStatus{
	ClusterDraft:       {ClusterStep2, ClusterGenerating},
	ClusterStep2:       {ClusterGenerating},
	ClusterGenerating:  {ClusterGenerated, ClusterStep2, ClusterDraft, ClusterBuilt, ClusterBuildFailed},
	ClusterGenerated:   {ClusterBuilding, ClusterGenerating, ClusterBuildFailed},
	ClusterBuilding:    {ClusterBuilt, ClusterBuildFailed},
	ClusterBuilt:       {ClusterGenerating, ClusterBuilding},
	ClusterBuildFailed: {ClusterBuilding, ClusterGenerating},
}

var siteTransitions = map[SiteStatus][]SiteStatus{
	SiteDraft:               {SiteGenerating},
	SiteGenerating:          {SiteGenerated, SiteBuildFailed, SiteDraft},
	SiteGenerated:           {SiteDeploying, SiteGenerating},
	SiteBuildFailed:         {SiteDeploying, SiteGenerating},
	SiteDeploying:           {SiteDeployed, SiteDeployFailed, SiteError, SiteGenerated, SiteBuildFailed},
	SiteDeployed:            {SiteDeploying, SiteExtraPageGenerating},
	SiteDeployFailed:        {SiteDeploying},
	SiteError:               {SiteDeploying},
	SiteExtraPageGenerating: {SiteDeployed, SiteError},
}

// ValidCluster reports whether s is a member of the cluster status set.
func ValidCluster(s ClusterStatus) bool {
	if _, ok := clusterTransitions[s]; ok {
		return true
	}
	return false
}

// ValidSite reports whether s is a member of the site status set.
func ValidSite(s SiteStatus) bool {
	if _, ok := siteTransitions[s]; ok {
		return true
	}
	return false
}

// CanTransitionCluster reports whether current → requested is an allowed
// cluster transition. All cluster status writes go through this predicate.
func CanTransitionCluster(current, requested ClusterStatus) bool {
	for _, next := range clusterTransitions[current] {
		if next == requested {
			return true
		}
	}
	return false
}

// CanTransitionSite reports whether current → requested is an allowed site
// transition. All site status writes go through this predicate.
func CanTransitionSite(current, requested SiteStatus) bool {
	for _, next := range siteTransitions[current] {
		if next == requested {
			return true
		}
	}
	return false
}

// InProgressCluster reports whether s acts as the mutual-exclusion flag:
// while a cluster is in one of these states, no new workflow may be admitted.
func InProgressCluster(s ClusterStatus) bool {
	return s == ClusterGenerating || s == ClusterBuilding
}

// InProgressSite reports whether s acts as the mutual-exclusion flag for sites.
func InProgressSite(s SiteStatus) bool {
	return s == SiteGenerating || s == SiteDeploying || s == SiteExtraPageGenerating
}

// AbleToGenerateCluster is the eligibility set for starting cluster page
// generation.
func AbleToGenerateCluster(s ClusterStatus) bool {
	switch s {
	case ClusterDraft, ClusterStep2, ClusterBuilt:
		return true
	}
	return false
}

// AbleToRefreshCluster is the eligibility set for refreshing an already
// built cluster.
func AbleToRefreshCluster(s ClusterStatus) bool {
	return s == ClusterBuilt
}

// AbleToDeploySite is the eligibility set for starting a deployment.
func AbleToDeploySite(s SiteStatus) bool {
	switch s {
	case SiteGenerated, SiteBuildFailed, SiteDeployFailed, SiteError:
		return true
	}
	return false
}

// SweepableSite is the set re-listed by the periodic deployment sweep.
func SweepableSite(s SiteStatus) bool {
	switch s {
	case SiteGenerated, SiteBuildFailed, SiteDeployFailed:
		return true
	}
	return false
}
