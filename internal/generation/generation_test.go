package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webgrove/api/internal/circuitbreaker"
	"github.com/webgrove/api/internal/content"
	"github.com/webgrove/api/internal/database"
	"github.com/webgrove/api/internal/flowengine"
	"github.com/webgrove/api/internal/ledger"
	"github.com/webgrove/api/internal/models"
	"github.com/webgrove/api/internal/notify"
	"github.com/webgrove/api/internal/repo"
	"github.com/webgrove/api/internal/status"
)

const testPricePerPage = 10

type fakeSubmitter struct {
	last    flowengine.SubmitParams
	calls   int
	failErr error
}

func (f *fakeSubmitter) Submit(ctx context.Context, p flowengine.SubmitParams) (*flowengine.WorkflowRun, error) {
	f.calls++
	f.last = p
	if f.failErr != nil {
		return nil, f.failErr
	}
	return &flowengine.WorkflowRun{
		ID:           "run-1",
		WorkflowType: p.WorkflowType,
		ExternalID:   p.ExternalID,
		CurrentState: flowengine.StatePending,
		Input:        p.Input,
	}, nil
}

type captureNotifier struct {
	events []notify.Event
}

func (c *captureNotifier) Publish(_ context.Context, ev notify.Event) {
	c.events = append(c.events, ev)
}

func (c *captureNotifier) last(t *testing.T) notify.Event {
	t.Helper()
	require.NotEmpty(t, c.events, "no events published")
	return c.events[len(c.events)-1]
}

type env struct {
	clusters *repo.Clusters
	sites    *repo.Sites
	pages    *repo.Pages
	ledger   *ledger.Service
	keys     *repo.RequestKeys
	engine   *fakeSubmitter
	notifier *captureNotifier
	svc      *Service
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *env {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, database.InitSchema(db))
	t.Cleanup(func() { db.Close() })

	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Error("content service called unexpectedly")
		}
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	breaker := circuitbreaker.New("content-test", circuitbreaker.Config{})

	e := &env{
		clusters: repo.NewClusters(db),
		sites:    repo.NewSites(db),
		pages:    repo.NewPages(db),
		ledger:   ledger.NewService(db),
		keys:     repo.NewRequestKeys(db),
		engine:   &fakeSubmitter{},
		notifier: &captureNotifier{},
	}
	e.svc = NewService(Deps{
		Clusters:    e.clusters,
		Sites:       e.sites,
		Pages:       e.pages,
		Ledger:      e.ledger,
		Content:     content.NewClient(srv.URL, 5*time.Second, breaker),
		RequestKeys: e.keys,
		Engine:      e.engine,
		Notifier:    e.notifier,
	}, testPricePerPage, time.Minute)
	return e
}

func (e *env) newCluster(t *testing.T, topics int) *models.Cluster {
	t.Helper()
	c, err := e.clusters.Create(context.Background(), &models.Cluster{
		UserID:       "user-1",
		Keyword:      "garden furniture",
		TopicsNumber: topics,
	})
	require.NoError(t, err)
	return c
}

func (e *env) moveCluster(t *testing.T, id string, path ...status.ClusterStatus) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i < len(path); i++ {
		require.NoError(t, e.clusters.TransitionStatus(ctx, id, path[i-1], path[i]))
	}
}

func (e *env) newDeployedSite(t *testing.T) *models.Site {
	t.Helper()
	ctx := context.Background()
	site, err := e.sites.Create(ctx, &models.Site{UserID: "user-1", Domain: "example.com", PagesNumber: 5})
	require.NoError(t, err)
	for _, step := range []struct{ from, to status.SiteStatus }{
		{status.SiteDraft, status.SiteGenerating},
		{status.SiteGenerating, status.SiteGenerated},
		{status.SiteGenerated, status.SiteDeploying},
		{status.SiteDeploying, status.SiteDeployed},
	} {
		require.NoError(t, e.sites.TransitionStatus(ctx, site.ID, step.from, step.to))
	}
	return site
}

func artifactsHandler(pages int, link string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := content.Artifacts{Link: link}
		for i := 0; i < pages; i++ {
			a.Pages = append(a.Pages, content.Page{
				Topic: "topic", Title: "Title", Slug: "slug", Content: []byte("<html>"),
			})
		}
		json.NewEncoder(w).Encode(a)
	}
}

// =============================================================================
// Cluster generation admission
// =============================================================================

func TestStartClusterGeneration(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	require.NoError(t, e.ledger.Credit(ctx, "user-1", 200))

	run, err := e.svc.StartClusterGeneration(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, WorkflowClusterGeneration, run.WorkflowType)

	got, err := e.clusters.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, status.ClusterGenerating, got.Status)

	balance, err := e.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(150), balance)

	require.Equal(t, c.ID, e.engine.last.ExternalID)
	var job ClusterJob
	require.NoError(t, json.Unmarshal(e.engine.last.Input, &job))
	require.Equal(t, c.ID, job.ClusterID)
	require.Equal(t, string(status.ClusterDraft), job.PriorStatus)
	require.NotEmpty(t, job.EntryID)
	require.False(t, job.Refresh)

	require.Equal(t, notify.TypeStatusChanged, e.notifier.last(t).Type)
}

func TestStartClusterGenerationInsufficientBalance(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	require.NoError(t, e.ledger.Credit(ctx, "user-1", 30))

	_, err := e.svc.StartClusterGeneration(ctx, c.ID)
	require.True(t, ledger.IsInsufficientBalance(err), "error = %v", err)

	got, _ := e.clusters.Get(ctx, c.ID)
	require.Equal(t, status.ClusterDraft, got.Status)
	balance, _ := e.ledger.Balance(ctx, "user-1")
	require.Equal(t, int64(30), balance)
	require.Zero(t, e.engine.calls)
}

func TestStartClusterGenerationAlreadyInProgress(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating)

	_, err := e.svc.StartClusterGeneration(ctx, c.ID)
	require.True(t, status.IsAlreadyInProgress(err), "error = %v", err)
}

func TestStartClusterGenerationNotAllowed(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating, status.ClusterGenerated)

	_, err := e.svc.StartClusterGeneration(ctx, c.ID)
	require.True(t, IsNotAllowed(err), "error = %v", err)
	require.Zero(t, e.engine.calls)
}

func TestStartClusterGenerationSubmitFailureRollsBack(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	require.NoError(t, e.ledger.Credit(ctx, "user-1", 200))
	e.engine.failErr = errors.New("engine unavailable")

	_, err := e.svc.StartClusterGeneration(ctx, c.ID)
	require.Error(t, err)

	// Reservation refunded, status back to where admission found it.
	balance, _ := e.ledger.Balance(ctx, "user-1")
	require.Equal(t, int64(200), balance)
	got, _ := e.clusters.Get(ctx, c.ID)
	require.Equal(t, status.ClusterDraft, got.Status)
}

func TestStartClusterGenerationDuplicateRun(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	require.NoError(t, e.ledger.Credit(ctx, "user-1", 200))
	e.engine.failErr = flowengine.ErrDuplicateWorkflow

	_, err := e.svc.StartClusterGeneration(ctx, c.ID)
	require.True(t, status.IsAlreadyInProgress(err), "error = %v", err)
}

// =============================================================================
// Cluster refresh admission
// =============================================================================

func TestStartClusterRefresh(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating, status.ClusterBuilt)
	require.NoError(t, e.ledger.Credit(ctx, "user-1", 200))

	run, err := e.svc.StartClusterRefresh(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, WorkflowClusterRefresh, run.WorkflowType)

	var job ClusterJob
	require.NoError(t, json.Unmarshal(e.engine.last.Input, &job))
	require.True(t, job.Refresh)
	require.Equal(t, string(status.ClusterBuilt), job.PriorStatus)
	require.NotEmpty(t, job.RequestKey)
}

func TestStartClusterRefreshSuppressedWhilePending(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	first := e.newCluster(t, 5)
	second := e.newCluster(t, 5)
	e.moveCluster(t, first.ID, status.ClusterDraft, status.ClusterGenerating, status.ClusterBuilt)
	e.moveCluster(t, second.ID, status.ClusterDraft, status.ClusterGenerating, status.ClusterBuilt)
	require.NoError(t, e.ledger.Credit(ctx, "user-1", 200))

	_, err := e.svc.StartClusterRefresh(ctx, first.ID)
	require.NoError(t, err)

	// Same owner, different cluster: the in-flight key wins.
	_, err = e.svc.StartClusterRefresh(ctx, second.ID)
	require.ErrorIs(t, err, ErrRefreshPending)
}

func TestStartClusterRefreshNotBuilt(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newCluster(t, 5)

	_, err := e.svc.StartClusterRefresh(context.Background(), c.ID)
	require.True(t, IsNotAllowed(err), "error = %v", err)
}

// =============================================================================
// Extra page admission
// =============================================================================

func TestStartExtraPage(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	site := e.newDeployedSite(t)
	require.NoError(t, e.ledger.Credit(ctx, "user-1", 50))

	run, err := e.svc.StartExtraPage(ctx, site.ID)
	require.NoError(t, err)
	require.Equal(t, WorkflowExtraPage, run.WorkflowType)

	got, _ := e.sites.Get(ctx, site.ID)
	require.Equal(t, status.SiteExtraPageGenerating, got.Status)

	// One page reserved.
	balance, _ := e.ledger.Balance(ctx, "user-1")
	require.Equal(t, int64(50-testPricePerPage), balance)

	var job ExtraPageJob
	require.NoError(t, json.Unmarshal(e.engine.last.Input, &job))
	require.Equal(t, "example.com", job.Domain)
}

func TestStartExtraPageRequiresDeployed(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	site, err := e.sites.Create(ctx, &models.Site{UserID: "user-1", Domain: "example.com"})
	require.NoError(t, err)

	_, err = e.svc.StartExtraPage(ctx, site.ID)
	require.True(t, IsNotAllowed(err), "error = %v", err)
}

func TestStartExtraPageSubmitFailureRollsBack(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	site := e.newDeployedSite(t)
	require.NoError(t, e.ledger.Credit(ctx, "user-1", 50))
	e.engine.failErr = errors.New("engine unavailable")

	_, err := e.svc.StartExtraPage(ctx, site.ID)
	require.Error(t, err)

	got, _ := e.sites.Get(ctx, site.ID)
	require.Equal(t, status.SiteDeployed, got.Status)
	balance, _ := e.ledger.Balance(ctx, "user-1")
	require.Equal(t, int64(50), balance)
}

// =============================================================================
// Step bodies
// =============================================================================

func TestGeneratePages(t *testing.T) {
	var gotParams content.Params
	e := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotParams)
		json.NewEncoder(w).Encode(content.Artifacts{
			Pages: []content.Page{
				{Topic: "patio sets", Title: "Patio Sets", Slug: "patio-sets"},
				{Topic: "benches", Title: "Garden Benches", Slug: "garden-benches"},
			},
			Failures: []content.Failure{{Topic: "gazebos", Reason: "no sources"}},
		})
	})
	ctx := context.Background()
	c := e.newCluster(t, 3)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating)

	state, err := e.svc.GeneratePages(ctx, ClusterJob{
		ClusterID:   c.ID,
		UserID:      "user-1",
		Keyword:     "garden furniture",
		PagesNumber: 3,
		PriorStatus: string(status.ClusterDraft),
	})
	require.NoError(t, err)
	require.Equal(t, 2, state.PagesGenerated)
	require.Equal(t, 1, state.PagesFailed)

	// A draft cluster gets a full-structure batch.
	require.Equal(t, content.KindStructure, gotParams.Kind)

	count, err := e.pages.CountByCluster(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	got, _ := e.clusters.Get(ctx, c.ID)
	require.Equal(t, status.ClusterGenerated, got.Status)
}

func TestGeneratePagesRefreshKind(t *testing.T) {
	var gotParams content.Params
	e := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotParams)
		artifactsHandler(1, "")(w, r)
	})
	ctx := context.Background()
	c := e.newCluster(t, 1)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating)

	_, err := e.svc.GeneratePages(ctx, ClusterJob{
		ClusterID:   c.ID,
		PagesNumber: 1,
		PriorStatus: string(status.ClusterBuilt),
		Refresh:     true,
	})
	require.NoError(t, err)
	require.Equal(t, content.KindRefresh, gotParams.Kind)
}

func TestGeneratePagesEmptyBatchIsPermanent(t *testing.T) {
	e := newTestEnv(t, artifactsHandler(0, ""))
	ctx := context.Background()
	c := e.newCluster(t, 3)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating)

	_, err := e.svc.GeneratePages(ctx, ClusterJob{ClusterID: c.ID, PagesNumber: 3})
	require.ErrorIs(t, err, ErrEmptyResult)
	require.True(t, flowengine.IsPermanent(err), "error = %v", err)

	// The cluster stays GENERATING for the compensation walk.
	got, _ := e.clusters.Get(ctx, c.ID)
	require.Equal(t, status.ClusterGenerating, got.Status)
}

func TestBuildCluster(t *testing.T) {
	e := newTestEnv(t, artifactsHandler(0, "https://example.com/garden-furniture"))
	ctx := context.Background()
	c := e.newCluster(t, 3)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating, status.ClusterGenerated)

	state, err := e.svc.BuildCluster(ctx, ClusterJobState{
		ClusterJob: ClusterJob{ClusterID: c.ID, Keyword: "garden furniture", PagesNumber: 3},
	})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/garden-furniture", state.Link)

	got, _ := e.clusters.Get(ctx, c.ID)
	require.Equal(t, status.ClusterBuilding, got.Status)
}

func TestBuildClusterRetryContinuesFromBuilding(t *testing.T) {
	e := newTestEnv(t, artifactsHandler(0, "https://example.com/x"))
	ctx := context.Background()
	c := e.newCluster(t, 3)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating,
		status.ClusterGenerated, status.ClusterBuilding)

	// A retried step finds the flip already done and proceeds.
	state, err := e.svc.BuildCluster(ctx, ClusterJobState{
		ClusterJob: ClusterJob{ClusterID: c.ID, PagesNumber: 3},
	})
	require.NoError(t, err)
	require.NotEmpty(t, state.Link)
}

func TestBuildClusterEmptyLinkIsPermanent(t *testing.T) {
	e := newTestEnv(t, artifactsHandler(0, ""))
	ctx := context.Background()
	c := e.newCluster(t, 3)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating, status.ClusterGenerated)

	_, err := e.svc.BuildCluster(ctx, ClusterJobState{
		ClusterJob: ClusterJob{ClusterID: c.ID, PagesNumber: 3},
	})
	require.True(t, flowengine.IsPermanent(err), "error = %v", err)
}

func TestGenerateExtraPage(t *testing.T) {
	e := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(content.Artifacts{
			Pages: []content.Page{{Topic: "faq", Title: "FAQ", Slug: "faq"}},
		})
	})
	ctx := context.Background()
	c := e.newCluster(t, 1)

	out, err := e.svc.GenerateExtraPage(ctx, ExtraPageJob{
		SiteID:    "site-1",
		Domain:    "example.com",
		ClusterID: c.ID,
	})
	require.NoError(t, err)
	require.Equal(t, "FAQ", out.Title)

	count, err := e.pages.CountByCluster(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

// =============================================================================
// Continuations
// =============================================================================

func TestFinalizeClusterRunSuccess(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating,
		status.ClusterGenerated, status.ClusterBuilding)

	require.NoError(t, e.ledger.Credit(ctx, "user-1", 100))
	entry, err := e.ledger.Reserve(ctx, "user-1", 50, ledger.ObjectRef{ID: c.ID, Type: "cluster"})
	require.NoError(t, err)

	job := ClusterJob{ClusterID: c.ID, UserID: "user-1", EntryID: entry.ID, Keyword: "garden furniture"}
	input, _ := json.Marshal(job)
	output, _ := json.Marshal(ClusterJobState{
		ClusterJob: job, PagesGenerated: 5, Link: "https://example.com/built",
	})

	e.svc.FinalizeClusterRun(&flowengine.WorkflowRun{
		ID:           "run-1",
		CurrentState: flowengine.StateCompleted,
		Input:        input,
		Output:       output,
	})

	got, _ := e.clusters.Get(ctx, c.ID)
	require.Equal(t, status.ClusterBuilt, got.Status)
	require.Equal(t, "https://example.com/built", got.Link)

	settled, err := e.ledger.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, models.LedgerCompleted, settled.State)

	ev := e.notifier.last(t)
	require.Equal(t, notify.TypeSuccess, ev.Type)
	require.Equal(t, "https://example.com/built", ev.Payload["link"])
}

func TestFinalizeClusterRunFailureRevertsToPrior(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating)

	require.NoError(t, e.ledger.Credit(ctx, "user-1", 100))
	entry, err := e.ledger.Reserve(ctx, "user-1", 50, ledger.ObjectRef{ID: c.ID, Type: "cluster"})
	require.NoError(t, err)

	job := ClusterJob{
		ClusterID: c.ID, UserID: "user-1", EntryID: entry.ID,
		PriorStatus: string(status.ClusterDraft),
	}
	input, _ := json.Marshal(job)

	e.svc.FinalizeClusterRun(&flowengine.WorkflowRun{
		ID:           "run-1",
		CurrentState: flowengine.StateCompensated,
		Input:        input,
		Error:        "step 0 (generate_pages) failed: permanent: generation produced no pages",
	})

	got, _ := e.clusters.Get(ctx, c.ID)
	require.Equal(t, status.ClusterDraft, got.Status)

	balance, _ := e.ledger.Balance(ctx, "user-1")
	require.Equal(t, int64(100), balance)

	ev := e.notifier.last(t)
	require.Equal(t, notify.TypeError, ev.Type)
	require.Equal(t, notify.AliasGenerationError, ev.Alias)
}

func TestFinalizeClusterRunBuildFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating,
		status.ClusterGenerated, status.ClusterBuilding)

	require.NoError(t, e.ledger.Credit(ctx, "user-1", 100))
	entry, err := e.ledger.Reserve(ctx, "user-1", 50, ledger.ObjectRef{ID: c.ID, Type: "cluster"})
	require.NoError(t, err)

	job := ClusterJob{
		ClusterID: c.ID, UserID: "user-1", EntryID: entry.ID,
		PriorStatus: string(status.ClusterDraft),
	}
	input, _ := json.Marshal(job)

	e.svc.FinalizeClusterRun(&flowengine.WorkflowRun{
		ID:           "run-1",
		CurrentState: flowengine.StateCompensated,
		Input:        input,
		Error:        "step 1 (build_cluster) failed: permanent: build produced no link",
	})

	// Pages were already replaced; the cluster lands on BUILD_FAILED, not DRAFT.
	got, _ := e.clusters.Get(ctx, c.ID)
	require.Equal(t, status.ClusterBuildFailed, got.Status)
	require.Equal(t, notify.AliasBuildError, e.notifier.last(t).Alias)
}

func TestFinalizeClusterRunReleasesRefreshKey(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	c := e.newCluster(t, 5)
	e.moveCluster(t, c.ID, status.ClusterDraft, status.ClusterGenerating)

	key := refreshRequestKey("user-1")
	acquired, err := e.keys.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	job := ClusterJob{
		ClusterID: c.ID, UserID: "user-1",
		PriorStatus: string(status.ClusterBuilt), Refresh: true, RequestKey: key,
	}
	input, _ := json.Marshal(job)
	e.svc.FinalizeClusterRun(&flowengine.WorkflowRun{
		ID:           "run-1",
		CurrentState: flowengine.StateCompensated,
		Input:        input,
		Error:        "step 0 (generate_pages) failed: transient: i/o timeout",
	})

	// Key released: the next refresh can acquire it.
	acquired, err = e.keys.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestFinalizeExtraPageRunSuccess(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	site := e.newDeployedSite(t)
	require.NoError(t, e.sites.TransitionStatus(ctx, site.ID, status.SiteDeployed, status.SiteExtraPageGenerating))

	require.NoError(t, e.ledger.Credit(ctx, "user-1", 50))
	entry, err := e.ledger.Reserve(ctx, "user-1", testPricePerPage, ledger.ObjectRef{ID: site.ID, Type: "site"})
	require.NoError(t, err)

	job := ExtraPageJob{SiteID: site.ID, UserID: "user-1", EntryID: entry.ID, Domain: "example.com"}
	input, _ := json.Marshal(job)
	output, _ := json.Marshal(ExtraPageOutput{ExtraPageJob: job, Title: "FAQ"})

	e.svc.FinalizeExtraPageRun(&flowengine.WorkflowRun{
		ID:           "run-1",
		CurrentState: flowengine.StateCompleted,
		Input:        input,
		Output:       output,
	})

	got, _ := e.sites.Get(ctx, site.ID)
	require.Equal(t, status.SiteDeployed, got.Status)

	settled, _ := e.ledger.Get(ctx, entry.ID)
	require.Equal(t, models.LedgerCompleted, settled.State)

	ev := e.notifier.last(t)
	require.Equal(t, notify.TypeSuccess, ev.Type)
	require.Equal(t, "FAQ", ev.Payload["title"])
}

func TestFinalizeExtraPageRunFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	site := e.newDeployedSite(t)
	require.NoError(t, e.sites.TransitionStatus(ctx, site.ID, status.SiteDeployed, status.SiteExtraPageGenerating))

	require.NoError(t, e.ledger.Credit(ctx, "user-1", 50))
	entry, err := e.ledger.Reserve(ctx, "user-1", testPricePerPage, ledger.ObjectRef{ID: site.ID, Type: "site"})
	require.NoError(t, err)

	job := ExtraPageJob{SiteID: site.ID, UserID: "user-1", EntryID: entry.ID, Domain: "example.com"}
	input, _ := json.Marshal(job)

	e.svc.FinalizeExtraPageRun(&flowengine.WorkflowRun{
		ID:           "run-1",
		CurrentState: flowengine.StateFailed,
		Input:        input,
		Error:        "step 0 (generate_extra_page) failed: permanent: generation produced no pages",
	})

	got, _ := e.sites.Get(ctx, site.ID)
	require.Equal(t, status.SiteError, got.Status)

	balance, _ := e.ledger.Balance(ctx, "user-1")
	require.Equal(t, int64(50), balance)
	require.Equal(t, notify.AliasGenerationError, e.notifier.last(t).Alias)
}
