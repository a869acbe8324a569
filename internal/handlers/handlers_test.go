package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webgrove/api/internal/circuitbreaker"
	"github.com/webgrove/api/internal/content"
	"github.com/webgrove/api/internal/database"
	"github.com/webgrove/api/internal/deploy"
	"github.com/webgrove/api/internal/flowengine"
	"github.com/webgrove/api/internal/generation"
	"github.com/webgrove/api/internal/ledger"
	"github.com/webgrove/api/internal/middleware"
	"github.com/webgrove/api/internal/models"
	"github.com/webgrove/api/internal/notify"
	"github.com/webgrove/api/internal/provider"
	"github.com/webgrove/api/internal/repo"
	"github.com/webgrove/api/internal/status"
)

const testUserID = "user-1"

type fakeSubmitter struct{}

func (fakeSubmitter) Submit(ctx context.Context, p flowengine.SubmitParams) (*flowengine.WorkflowRun, error) {
	return &flowengine.WorkflowRun{
		ID:           "run-1",
		WorkflowType: p.WorkflowType,
		ExternalID:   p.ExternalID,
		CurrentState: flowengine.StatePending,
		Input:        p.Input,
	}, nil
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, notify.Event) {}

type testAPI struct {
	router   chi.Router
	clusters *repo.Clusters
	sites    *repo.Sites
	ledger   *ledger.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open memory database: %v", err)
	}
	if err := database.InitSchema(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("content service called unexpectedly")
	}))
	t.Cleanup(srv.Close)
	contentClient := content.NewClient(srv.URL, 5*time.Second,
		circuitbreaker.New("content-test", circuitbreaker.Config{}))

	clusters := repo.NewClusters(db)
	sites := repo.NewSites(db)
	pages := repo.NewPages(db)
	ledgerSvc := ledger.NewService(db)

	generationSvc := generation.NewService(generation.Deps{
		Clusters:    clusters,
		Sites:       sites,
		Pages:       pages,
		Ledger:      ledgerSvc,
		Content:     contentClient,
		RequestKeys: repo.NewRequestKeys(db),
		Engine:      fakeSubmitter{},
		Notifier:    nopNotifier{},
	}, 10, time.Minute)

	deployer := deploy.NewDeployer(deploy.Deps{
		Sites:     sites,
		Servers:   repo.NewServers(db),
		Providers: provider.NewRegistry(),
		Content:   contentClient,
		Engine:    fakeSubmitter{},
		Notifier:  nopNotifier{},
	}, "hetzner")

	h := New(clusters, sites, pages, ledgerSvc, generationSvc, deployer)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &middleware.Claims{UserID: testUserID, Email: "owner@example.com"}
			ctx := context.WithValue(r.Context(), middleware.UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	h.Routes(router)

	return &testAPI{router: router, clusters: clusters, sites: sites, ledger: ledgerSvc}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (a *testAPI) seedCluster(t *testing.T, userID string, target status.ClusterStatus) *models.Cluster {
	t.Helper()
	ctx := context.Background()
	c, err := a.clusters.Create(ctx, &models.Cluster{UserID: userID, Keyword: "garden furniture", TopicsNumber: 5})
	if err != nil {
		t.Fatal(err)
	}
	path := map[status.ClusterStatus][]status.ClusterStatus{
		status.ClusterDraft:      {},
		status.ClusterGenerating: {status.ClusterGenerating},
		status.ClusterBuilt:      {status.ClusterGenerating, status.ClusterBuilt},
	}
	from := status.ClusterDraft
	for _, next := range path[target] {
		if err := a.clusters.TransitionStatus(ctx, c.ID, from, next); err != nil {
			t.Fatal(err)
		}
		from = next
	}
	return c
}

func (a *testAPI) seedSite(t *testing.T, userID, domain string, target status.SiteStatus) *models.Site {
	t.Helper()
	ctx := context.Background()
	site, err := a.sites.Create(ctx, &models.Site{UserID: userID, Domain: domain, PagesNumber: 3})
	if err != nil {
		t.Fatal(err)
	}
	path := map[status.SiteStatus][]status.SiteStatus{
		status.SiteDraft:     {},
		status.SiteGenerated: {status.SiteGenerating, status.SiteGenerated},
		status.SiteDeployed:  {status.SiteGenerating, status.SiteGenerated, status.SiteDeploying, status.SiteDeployed},
	}
	from := status.SiteDraft
	for _, next := range path[target] {
		if err := a.sites.TransitionStatus(ctx, site.ID, from, next); err != nil {
			t.Fatal(err)
		}
		from = next
	}
	return site
}

// =============================================================================
// Clusters
// =============================================================================

func TestCreateCluster(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/clusters", map[string]interface{}{
		"keyword":       "garden furniture",
		"topics_number": 10,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var c models.Cluster
	decodeBody(t, rec, &c)
	if c.ID == "" || c.UserID != testUserID || c.Status != status.ClusterDraft {
		t.Errorf("cluster = %+v", c)
	}
}

func TestCreateClusterValidation(t *testing.T) {
	api := newTestAPI(t)

	cases := []map[string]interface{}{
		{"topics_number": 10},                               // keyword missing
		{"keyword": "k"},                                    // too short, count missing
		{"keyword": "garden furniture", "topics_number": 0}, // zero pages
		{"keyword": "garden furniture", "topics_number": 500},
	}
	for _, body := range cases {
		if rec := api.do(t, http.MethodPost, "/clusters", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestCreateClusterBadJSON(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/clusters", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateClusterForeignSite(t *testing.T) {
	api := newTestAPI(t)
	site := api.seedSite(t, "user-2", "other.example.com", status.SiteDraft)

	rec := api.do(t, http.MethodPost, "/clusters", map[string]interface{}{
		"keyword":       "garden furniture",
		"topics_number": 10,
		"site_id":       site.ID,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetClusterOwnership(t *testing.T) {
	api := newTestAPI(t)
	mine := api.seedCluster(t, testUserID, status.ClusterDraft)
	foreign := api.seedCluster(t, "user-2", status.ClusterDraft)

	if rec := api.do(t, http.MethodGet, "/clusters/"+mine.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("own cluster status = %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/clusters/"+foreign.ID, nil); rec.Code != http.StatusForbidden {
		t.Errorf("foreign cluster status = %d, want 403", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/clusters/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing cluster status = %d, want 404", rec.Code)
	}
}

func TestGenerateClusterAccepted(t *testing.T) {
	api := newTestAPI(t)
	c := api.seedCluster(t, testUserID, status.ClusterDraft)
	if err := api.ledger.Credit(context.Background(), testUserID, 100); err != nil {
		t.Fatal(err)
	}

	rec := api.do(t, http.MethodPost, "/clusters/"+c.ID+"/generate", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	if resp["workflow_id"] != "run-1" || resp["status"] != "accepted" {
		t.Errorf("response = %v", resp)
	}
}

func TestGenerateClusterInsufficientFunds(t *testing.T) {
	api := newTestAPI(t)
	c := api.seedCluster(t, testUserID, status.ClusterDraft)

	rec := api.do(t, http.MethodPost, "/clusters/"+c.ID+"/generate", nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGenerateClusterAlreadyInProgress(t *testing.T) {
	api := newTestAPI(t)
	c := api.seedCluster(t, testUserID, status.ClusterGenerating)

	rec := api.do(t, http.MethodPost, "/clusters/"+c.ID+"/generate", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRefreshClusterNotBuilt(t *testing.T) {
	api := newTestAPI(t)
	c := api.seedCluster(t, testUserID, status.ClusterDraft)

	rec := api.do(t, http.MethodPost, "/clusters/"+c.ID+"/refresh", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRefreshClusterPendingConflict(t *testing.T) {
	api := newTestAPI(t)
	first := api.seedCluster(t, testUserID, status.ClusterBuilt)
	second := api.seedCluster(t, testUserID, status.ClusterBuilt)
	if err := api.ledger.Credit(context.Background(), testUserID, 200); err != nil {
		t.Fatal(err)
	}

	if rec := api.do(t, http.MethodPost, "/clusters/"+first.ID+"/refresh", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first refresh status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := api.do(t, http.MethodPost, "/clusters/"+second.ID+"/refresh", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second refresh status = %d, want 409", rec.Code)
	}
}

// =============================================================================
// Sites
// =============================================================================

func TestCreateSite(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/sites", map[string]interface{}{
		"domain":       "example.com",
		"pages_number": 5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var site models.Site
	decodeBody(t, rec, &site)
	if site.Domain != "example.com" || site.UserEmail != "owner@example.com" || site.Status != status.SiteDraft {
		t.Errorf("site = %+v", site)
	}
}

func TestCreateSiteInvalidDomain(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/sites", map[string]interface{}{
		"domain":       "not a domain",
		"pages_number": 5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeploySiteAccepted(t *testing.T) {
	api := newTestAPI(t)
	site := api.seedSite(t, testUserID, "example.com", status.SiteGenerated)

	rec := api.do(t, http.MethodPost, "/sites/"+site.ID+"/deploy", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	got, err := api.sites.Get(context.Background(), site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != status.SiteDeploying {
		t.Errorf("site status = %s, want DEPLOYING", got.Status)
	}
}

func TestDeploySiteNotReady(t *testing.T) {
	api := newTestAPI(t)
	site := api.seedSite(t, testUserID, "example.com", status.SiteDraft)

	rec := api.do(t, http.MethodPost, "/sites/"+site.ID+"/deploy", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestExtraPageRequiresDeployedSite(t *testing.T) {
	api := newTestAPI(t)
	site := api.seedSite(t, testUserID, "example.com", status.SiteGenerated)

	rec := api.do(t, http.MethodPost, "/sites/"+site.ID+"/extra-page", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestExtraPageAccepted(t *testing.T) {
	api := newTestAPI(t)
	site := api.seedSite(t, testUserID, "example.com", status.SiteDeployed)
	if err := api.ledger.Credit(context.Background(), testUserID, 100); err != nil {
		t.Fatal(err)
	}

	rec := api.do(t, http.MethodPost, "/sites/"+site.ID+"/extra-page", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListSiteClusters(t *testing.T) {
	api := newTestAPI(t)
	site := api.seedSite(t, testUserID, "example.com", status.SiteDraft)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := api.clusters.Create(ctx, &models.Cluster{
			UserID: testUserID, SiteID: site.ID, Keyword: "k", TopicsNumber: 1,
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec := api.do(t, http.MethodGet, "/sites/"+site.ID+"/clusters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

// =============================================================================
// Balance
// =============================================================================

func TestGetBalance(t *testing.T) {
	api := newTestAPI(t)
	if err := api.ledger.Credit(context.Background(), testUserID, 150); err != nil {
		t.Fatal(err)
	}

	rec := api.do(t, http.MethodGet, "/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		UserID  string `json:"user_id"`
		Balance int64  `json:"balance"`
	}
	decodeBody(t, rec, &resp)
	if resp.UserID != testUserID || resp.Balance != 150 {
		t.Errorf("response = %+v", resp)
	}
}
