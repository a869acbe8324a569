package generation

import (
	"github.com/webgrove/api/internal/content"
	"github.com/webgrove/api/internal/models"
)

// Result is the outcome of one generation batch. Per-page failures do not
// fail the batch; they ride along so the continuation can report them.
type Result struct {
	Pages    []models.Page
	Failures []content.Failure
	Link     string
}

// FatallyEmpty reports whether the batch must be treated as a failure: not a
// single page came back. A partial batch is degraded, never fatal.
func (r *Result) FatallyEmpty() bool {
	return len(r.Pages) == 0
}

// resultFromArtifacts converts the content-service batch into domain pages.
func resultFromArtifacts(a *content.Artifacts, pageType string) *Result {
	pages := make([]models.Page, 0, len(a.Pages))
	for _, p := range a.Pages {
		pages = append(pages, models.Page{
			Title:    p.Title,
			Path:     "/" + p.Slug,
			PageType: pageType,
		})
	}
	return &Result{Pages: pages, Failures: a.Failures, Link: a.Link}
}
