package provider

// Catalog is the closed set of locations, server types and images an adapter
// accepts. Catalogs are per-provider and never merged.
type Catalog struct {
	Provider        string
	Locations       []string
	ServerTypes     []string
	Images          []string
	DefaultLocation string
	DefaultType     string
	DefaultImage    string
}

// Validate checks spec fields against the catalog, filling defaults for
// empty fields. Unknown values are rejected, never passed upstream.
func (c *Catalog) Validate(spec *ServerSpec) error {
	if spec.Location == "" {
		spec.Location = c.DefaultLocation
	}
	if spec.ServerType == "" {
		spec.ServerType = c.DefaultType
	}
	if spec.Image == "" {
		spec.Image = c.DefaultImage
	}
	if !contains(c.Locations, spec.Location) {
		return &CatalogError{Provider: c.Provider, Field: "location", Value: spec.Location}
	}
	if !contains(c.ServerTypes, spec.ServerType) {
		return &CatalogError{Provider: c.Provider, Field: "server type", Value: spec.ServerType}
	}
	if !contains(c.Images, spec.Image) {
		return &CatalogError{Provider: c.Provider, Field: "image", Value: spec.Image}
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func hetznerCatalog() *Catalog {
	return &Catalog{
		Provider:        "hetzner",
		Locations:       []string{"fsn1", "nbg1", "hel1", "ash", "hil"},
		ServerTypes:     []string{"cpx11"},
		Images:          []string{"ubuntu-20.04"},
		DefaultLocation: "fsn1",
		DefaultType:     "cpx11",
		DefaultImage:    "ubuntu-20.04",
	}
}

func scalewayCatalog() *Catalog {
	return &Catalog{
		Provider: "scaleway",
		Locations: []string{
			"fr-par-1", "fr-par-2", "fr-par-3",
			"nl-ams-1", "nl-ams-2",
			"pl-waw-1", "pl-waw-2",
		},
		ServerTypes:     []string{"DEV1-S"},
		Images:          []string{"ubuntu_focal"},
		DefaultLocation: "fr-par-1",
		DefaultType:     "DEV1-S",
		DefaultImage:    "ubuntu_focal",
	}
}
