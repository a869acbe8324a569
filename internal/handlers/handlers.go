// Package handlers exposes the authenticated domain API: entity CRUD and
// the four asynchronous triggers. Triggers return 202 on admission; every
// admission failure is synchronous and mapped to a stable status code.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/webgrove/api/internal/deploy"
	"github.com/webgrove/api/internal/generation"
	"github.com/webgrove/api/internal/ledger"
	"github.com/webgrove/api/internal/middleware"
	"github.com/webgrove/api/internal/models"
	"github.com/webgrove/api/internal/repo"
	"github.com/webgrove/api/internal/status"
)

// Handler bundles the domain services behind the HTTP surface.
type Handler struct {
	clusters   *repo.Clusters
	sites      *repo.Sites
	pages      *repo.Pages
	ledger     *ledger.Service
	generation *generation.Service
	deployer   *deploy.Deployer
	validate   *validator.Validate
}

// New creates the domain API handler.
func New(
	clusters *repo.Clusters,
	sites *repo.Sites,
	pages *repo.Pages,
	ledgerSvc *ledger.Service,
	generationSvc *generation.Service,
	deployer *deploy.Deployer,
) *Handler {
	return &Handler{
		clusters:   clusters,
		sites:      sites,
		pages:      pages,
		ledger:     ledgerSvc,
		generation: generationSvc,
		deployer:   deployer,
		validate:   validator.New(),
	}
}

// Routes mounts the domain API under the caller's router. The caller wraps
// it with the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/clusters", func(r chi.Router) {
		r.Post("/", h.createCluster)
		r.Get("/{id}", h.getCluster)
		r.Get("/{id}/pages", h.listClusterPages)
		r.Post("/{id}/generate", h.generateCluster)
		r.Post("/{id}/refresh", h.refreshCluster)
	})
	r.Route("/sites", func(r chi.Router) {
		r.Post("/", h.createSite)
		r.Get("/{id}", h.getSite)
		r.Get("/{id}/clusters", h.listSiteClusters)
		r.Post("/{id}/extra-page", h.extraPage)
		r.Post("/{id}/deploy", h.deploySite)
	})
	r.Get("/balance", h.getBalance)
}

type createClusterRequest struct {
	Keyword      string `json:"keyword" validate:"required,min=2,max=128"`
	TopicsNumber int    `json:"topics_number" validate:"required,min=1,max=200"`
	SiteID       string `json:"site_id,omitempty" validate:"omitempty,uuid4"`
}

func (h *Handler) createCluster(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	var req createClusterRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.SiteID != "" {
		site, err := h.sites.Get(r.Context(), req.SiteID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		if site.UserID != claims.UserID {
			writeError(w, http.StatusForbidden, "Site belongs to another user")
			return
		}
	}

	cluster, err := h.clusters.Create(r.Context(), &models.Cluster{
		UserID:       claims.UserID,
		SiteID:       req.SiteID,
		Keyword:      req.Keyword,
		TopicsNumber: req.TopicsNumber,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cluster)
}

func (h *Handler) getCluster(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (h *Handler) listClusterPages(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	pages, err := h.pages.ListByCluster(r.Context(), cluster.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pages": pages, "count": len(pages)})
}

func (h *Handler) generateCluster(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	run, err := h.generation.StartClusterGeneration(r.Context(), cluster.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeAccepted(w, run.ID)
}

func (h *Handler) refreshCluster(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	run, err := h.generation.StartClusterRefresh(r.Context(), cluster.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeAccepted(w, run.ID)
}

type createSiteRequest struct {
	Domain      string `json:"domain" validate:"required,fqdn"`
	PagesNumber int    `json:"pages_number" validate:"required,min=1,max=200"`
}

func (h *Handler) createSite(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	var req createSiteRequest
	if !h.decode(w, r, &req) {
		return
	}

	site, err := h.sites.Create(r.Context(), &models.Site{
		UserID:      claims.UserID,
		UserEmail:   claims.Email,
		Domain:      req.Domain,
		PagesNumber: req.PagesNumber,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, site)
}

func (h *Handler) getSite(w http.ResponseWriter, r *http.Request) {
	site, ok := h.ownedSite(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (h *Handler) listSiteClusters(w http.ResponseWriter, r *http.Request) {
	site, ok := h.ownedSite(w, r)
	if !ok {
		return
	}
	clusters, err := h.clusters.ListBySite(r.Context(), site.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": clusters, "count": len(clusters)})
}

func (h *Handler) extraPage(w http.ResponseWriter, r *http.Request) {
	site, ok := h.ownedSite(w, r)
	if !ok {
		return
	}
	run, err := h.generation.StartExtraPage(r.Context(), site.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeAccepted(w, run.ID)
}

func (h *Handler) deploySite(w http.ResponseWriter, r *http.Request) {
	site, ok := h.ownedSite(w, r)
	if !ok {
		return
	}
	run, err := h.deployer.StartDeployment(r.Context(), site.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeAccepted(w, run.ID)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	balance, err := h.ledger.Balance(r.Context(), claims.UserID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": claims.UserID, "balance": balance})
}

// ownedCluster loads the path cluster and enforces ownership.
func (h *Handler) ownedCluster(w http.ResponseWriter, r *http.Request) (*models.Cluster, bool) {
	claims := middleware.GetUserFromContext(r.Context())
	cluster, err := h.clusters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return nil, false
	}
	if cluster.UserID != claims.UserID {
		writeError(w, http.StatusForbidden, "Cluster belongs to another user")
		return nil, false
	}
	return cluster, true
}

// ownedSite loads the path site and enforces ownership.
func (h *Handler) ownedSite(w http.ResponseWriter, r *http.Request) (*models.Site, bool) {
	claims := middleware.GetUserFromContext(r.Context())
	site, err := h.sites.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return nil, false
	}
	if site.UserID != claims.UserID {
		writeError(w, http.StatusForbidden, "Site belongs to another user")
		return nil, false
	}
	return site, true
}

// decode parses and validates a JSON request body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps domain errors onto the API's stable status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case status.IsAlreadyInProgress(err):
		writeError(w, http.StatusConflict, err.Error())
	case status.IsStateConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case generation.IsNotAllowed(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, generation.ErrRefreshPending):
		writeError(w, http.StatusConflict, err.Error())
	case ledger.IsInsufficientBalance(err):
		writeError(w, http.StatusPaymentRequired, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled domain error")
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func writeAccepted(w http.ResponseWriter, workflowID string) {
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "accepted",
		"workflow_id": workflowID,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Encode response failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
