package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sift-analytics/sift/internal/domain"
)

// schemaSampleRows is how many data rows accompany each file's schema.
const schemaSampleRows = 3

// datasetSummary is the catalog listing entry. Schemas are served by
// the per-dataset endpoint.
type datasetSummary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Files          []string `json:"files"`
	VersionHash    string   `json:"version_hash"`
	ExamplePrompts []string `json:"example_prompts,omitempty"`
}

// HandleListDatasets returns the registered dataset catalog.
func (s *Server) HandleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets := s.registry.List()
	out := make([]datasetSummary, 0, len(datasets))
	for _, ds := range datasets {
		names := make([]string, 0, len(ds.Files))
		for _, f := range ds.Files {
			names = append(names, f.Name)
		}
		out = append(out, datasetSummary{
			ID:             ds.ID,
			Name:           ds.Name,
			Files:          names,
			VersionHash:    ds.VersionHash,
			ExamplePrompts: ds.ExamplePrompts,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

// HandleDatasetSchema returns the per-file column schemas for one
// dataset, each with a few sample rows.
func (s *Server) HandleDatasetSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dataset_id")
	ds := s.registry.Get(id)
	if ds == nil {
		errorJSON(w, "NOT_FOUND", "unknown dataset", http.StatusNotFound)
		return
	}

	type fileSchema struct {
		Name       string                `json:"name"`
		Schema     []domain.ColumnSchema `json:"schema"`
		SampleRows [][]string            `json:"sample_rows,omitempty"`
	}
	files := make([]fileSchema, 0, len(ds.Files))
	for _, f := range ds.Files {
		fs := fileSchema{Name: f.Name, Schema: f.Schema}
		if rows, err := s.registry.SampleRows(id, f.Name, schemaSampleRows); err == nil {
			fs.SampleRows = rows
		}
		files = append(files, fs)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           ds.ID,
		"name":         ds.Name,
		"version_hash": ds.VersionHash,
		"files":        files,
	})
}
