// Package registry loads and exposes the declarative use-case manifests:
// the workbook/site mapping, the view catalog with filter bindings and
// column schemas, and the slide manifest. Manifests are read once at
// startup and are immutable afterwards, so all lookups are safe for
// concurrent use.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Manifest file names, resolved relative to the config directory.
const (
	useCaseMappingFile = "usecase-mapping.json"
	viewCatalogFile    = "tableau-views.json"
	slideMappingFile   = "slide-view-mapping.json"
)

// ErrUseCaseNotFound is returned by lookups for an unknown use case.
var ErrUseCaseNotFound = errors.New("use case not found")

// UseCaseMeta maps a use case to its Tableau workbook and site.
type UseCaseMeta struct {
	WorkbookName string `json:"workbookName"`
	SiteName     string `json:"siteName"`
}

// ViewCatalog holds the ordered view configs of a use case plus the
// filter bindings (logical filter key → remote parameter name) its views
// may reference.
type ViewCatalog struct {
	Views   []ViewConfig      `json:"VIEWS"`
	Filters map[string]string `json:"FILTERS"`
}

// View returns the view config for the given view key, if present.
func (c *ViewCatalog) View(key string) (ViewConfig, bool) {
	for _, v := range c.Views {
		if v.Key == key {
			return v, true
		}
	}
	return ViewConfig{}, false
}

// Registry exposes the three manifest lookups. It is read-only after Load.
type Registry struct {
	meta   map[string]UseCaseMeta
	views  map[string]*ViewCatalog
	slides map[string]*SlideManifest
}

// Load reads the three manifest files from dir and cross-validates them.
// Any missing file, malformed JSON, or dangling reference fails startup.
func Load(dir string) (*Registry, error) {
	r := &Registry{
		meta:   map[string]UseCaseMeta{},
		views:  map[string]*ViewCatalog{},
		slides: map[string]*SlideManifest{},
	}

	if err := readManifest(dir, useCaseMappingFile, &r.meta); err != nil {
		return nil, err
	}
	if err := readManifest(dir, viewCatalogFile, &r.views); err != nil {
		return nil, err
	}
	if err := readManifest(dir, slideMappingFile, &r.slides); err != nil {
		return nil, err
	}

	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("validating manifests: %w", err)
	}

	return r, nil
}

// NewFromManifests builds a registry from already-parsed manifests,
// applying the same cross-validation as Load. Nil maps are treated as
// empty.
func NewFromManifests(meta map[string]UseCaseMeta, views map[string]*ViewCatalog, slides map[string]*SlideManifest) (*Registry, error) {
	r := &Registry{meta: meta, views: views, slides: slides}
	if r.meta == nil {
		r.meta = map[string]UseCaseMeta{}
	}
	if r.views == nil {
		r.views = map[string]*ViewCatalog{}
	}
	if r.slides == nil {
		r.slides = map[string]*SlideManifest{}
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("validating manifests: %w", err)
	}
	return r, nil
}

func readManifest(dir, name string, dst any) error {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return nil
}

// validate checks cross-manifest consistency: every use case with views
// has workbook metadata, every view filter key has a binding, and every
// slide data binding references a view key present in the catalog.
func (r *Registry) validate() error {
	for useCase, catalog := range r.views {
		if _, ok := r.meta[useCase]; !ok {
			return fmt.Errorf("use case %q has views but no workbook mapping", useCase)
		}
		for _, v := range catalog.Views {
			if v.Key == "" {
				return fmt.Errorf("use case %q: view %q has no key", useCase, v.Name)
			}
			if v.ViewType != ViewTypeFlagCard && v.ViewType != ViewTypeTable {
				return fmt.Errorf("use case %q view %q: unknown view type %q", useCase, v.Key, v.ViewType)
			}
			for _, fk := range v.FilterKeys {
				if _, ok := catalog.Filters[fk]; !ok {
					return fmt.Errorf("use case %q view %q: filter key %q has no binding", useCase, v.Key, fk)
				}
			}
		}
	}

	for useCase, manifest := range r.slides {
		catalog, ok := r.views[useCase]
		if !ok {
			return fmt.Errorf("use case %q has slides but no view catalog", useCase)
		}
		for si, slide := range manifest.Slides {
			for ei, el := range slide.Elements {
				for _, key := range []string{el.ValueKey, el.DataKey} {
					if key == "" {
						continue
					}
					if _, ok := catalog.View(key); !ok {
						return fmt.Errorf("use case %q slide %d element %d: binding %q not in view catalog",
							useCase, si, ei, key)
					}
				}
				for _, seg := range el.Segments {
					if seg.ValueKey == "" {
						continue
					}
					if _, ok := catalog.View(seg.ValueKey); !ok {
						return fmt.Errorf("use case %q slide %d element %d: segment binding %q not in view catalog",
							useCase, si, ei, seg.ValueKey)
					}
				}
			}
		}
	}

	return nil
}

// UseCaseMeta returns the workbook/site mapping for a use case.
func (r *Registry) UseCaseMeta(useCase string) (UseCaseMeta, error) {
	meta, ok := r.meta[useCase]
	if !ok {
		return UseCaseMeta{}, fmt.Errorf("%w: %s", ErrUseCaseNotFound, useCase)
	}
	return meta, nil
}

// ViewCatalog returns the ordered view catalog for a use case.
func (r *Registry) ViewCatalog(useCase string) (*ViewCatalog, error) {
	catalog, ok := r.views[useCase]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUseCaseNotFound, useCase)
	}
	return catalog, nil
}

// SlideManifest returns the slide manifest for a use case.
func (r *Registry) SlideManifest(useCase string) (*SlideManifest, error) {
	manifest, ok := r.slides[useCase]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUseCaseNotFound, useCase)
	}
	return manifest, nil
}

// Has reports whether the use case is known.
func (r *Registry) Has(useCase string) bool {
	_, ok := r.meta[useCase]
	return ok
}

// UseCases returns the sorted list of known use cases.
func (r *Registry) UseCases() []string {
	out := make([]string, 0, len(r.meta))
	for uc := range r.meta {
		out = append(out, uc)
	}
	sort.Strings(out)
	return out
}
