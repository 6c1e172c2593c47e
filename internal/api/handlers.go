package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/core"
	"github.com/maskforge/maskforge/internal/fingerprint"
)

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func (s *Server) handleCatalogVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	versions, err := s.engine.Catalogs.Versions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	latest := 0
	if c := s.engine.Catalogs.Latest(); c != nil {
		latest = c.Version()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"latest":   latest,
	})
}

func (s *Server) handleCatalogCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cat, ok := s.loadCatalog(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    cat.Version(),
		"categories": cat.Categories(),
	})
}

func (s *Server) handleCatalogTraits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cat, ok := s.loadCatalog(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := catalog.TraitFilter{
		Category: q.Get("category"),
		Search:   q.Get("search"),
	}
	var err error
	if filter.Experimental, err = queryBool(r, "experimental"); err != nil {
		s.writeError(w, err)
		return
	}
	if filter.Randomizable, err = queryBool(r, "randomizable"); err != nil {
		s.writeError(w, err)
		return
	}

	traits := cat.Traits(filter)
	if traits == nil {
		traits = []catalog.Trait{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": cat.Version(),
		"traits":  traits,
		"total":   len(traits),
	})
}

// handleCatalogOptions lists the declared options of a trait. With a pins
// parameter (a JSON object) it returns the trait's resolved domain instead:
// only the options legal under those pins.
func (s *Server) handleCatalogOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cat, ok := s.loadCatalog(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("trait")
	if key == "" {
		s.writeError(w, fmt.Errorf("%w: trait parameter is required", core.ErrInvalidRequest))
		return
	}
	options, found := cat.Options(key)
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: fmt.Sprintf("catalog v%d has no trait %q", cat.Version(), key),
			Kind:  core.KindNotFound,
		})
		return
	}

	raw := r.URL.Query().Get("pins")
	if raw == "" {
		if options == nil {
			options = []catalog.Option{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version": cat.Version(),
			"trait":   key,
			"options": options,
		})
		return
	}

	var pins map[string]any
	if err := json.Unmarshal([]byte(raw), &pins); err != nil {
		s.writeError(w, fmt.Errorf("%w: pins: %v", core.ErrInvalidRequest, err))
		return
	}
	space, err := s.engine.Resolve(r.Context(), cat.Version(), pins)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": cat.Version(),
		"trait":   key,
		"pins":    space.Pins,
		"domain":  space.Domain(key),
	})
}

func (s *Server) handleCatalogPresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cat, ok := s.loadCatalog(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": cat.Version(),
		"presets": cat.Presets(),
	})
}

// handleCatalogExport serves a catalog document. format=zstd returns the
// compressed bundle.
func (s *Server) handleCatalogExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cat, ok := s.loadCatalog(w, r)
	if !ok {
		return
	}

	var (
		data []byte
		err  error
	)
	contentType, ext := "application/json", "json"
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		data, err = catalog.Export(cat)
	case "zstd":
		data, err = catalog.ExportCompressed(cat)
		contentType, ext = "application/zstd", "json.zst"
	default:
		s.writeError(w, fmt.Errorf("%w: unknown format %q", core.ErrInvalidRequest, format))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="catalog-v%d.%s"`, cat.Version(), ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleCatalogImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err))
		return
	}
	cat, err := s.engine.ImportCatalog(r.Context(), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version": cat.Version(),
		"name":    cat.Name(),
	})
}

func (s *Server) loadCatalog(w http.ResponseWriter, r *http.Request) (*catalog.Catalog, bool) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: bad version %q", core.ErrInvalidRequest, v))
			return nil, false
		}
		version = n
	}
	cat, err := s.engine.Catalogs.Load(r.Context(), version)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return cat, true
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

// generateBody extends a generation request with batch and policy switches.
type generateBody struct {
	core.GenerateRequest
	// Count > 1 generates a batch with consecutive seeds.
	Count int `json:"count,omitempty"`
	// Accept runs the accept/regenerate loop and returns the profile with
	// its report and bundle.
	Accept       bool           `json:"accept,omitempty"`
	Observations map[string]any `json:"runtime_observations,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body generateBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	switch {
	case body.Accept:
		if body.Count > 1 {
			s.writeError(w, fmt.Errorf("%w: accept and count cannot be combined", core.ErrInvalidRequest))
			return
		}
		acc, err := s.engine.GenerateAccepted(r.Context(), body.GenerateRequest, body.Observations)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acc)
	case body.Count > 1:
		profiles, err := s.engine.GenerateBatch(r.Context(), body.GenerateRequest, body.Count)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"profiles": profiles,
			"total":    len(profiles),
		})
	default:
		p, err := s.engine.Generate(r.Context(), body.GenerateRequest)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req core.ValidateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.Profile = normalized(req.Profile)
	report, err := s.engine.Validate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type profileBody struct {
	Profile   *fingerprint.Profile `json:"profile"`
	Overrides map[string]any       `json:"overrides,omitempty"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body profileBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	bundle, err := s.engine.Synthesize(r.Context(), normalized(body.Profile))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// handleOverride applies manual values to a profile and reports which
// option predicates the result breaks. The profile is returned either way.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body profileBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	p, violations, err := s.engine.Override(r.Context(), normalized(body.Profile), body.Overrides)
	if err != nil {
		s.writeError(w, err)
		return
	}
	messages := make([]string, len(violations))
	for i, v := range violations {
		messages[i] = v.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":    p,
		"consistent": len(violations) == 0,
		"violations": messages,
	})
}

// normalized converts decoded JSON numbers in profile values to the
// engine's canonical types.
func normalized(p *fingerprint.Profile) *fingerprint.Profile {
	if p == nil {
		return nil
	}
	return p.Clone()
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, name string) (*bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a boolean", core.ErrInvalidRequest, name)
	}
	return &b, nil
}
