// Package registry loads and serves the dataset catalog. Datasets are
// directories of CSV files under the configured datasets dir; the
// catalog is immutable after load.
package registry

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sift-analytics/sift/internal/cache"
	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/plan"
	"github.com/sift-analytics/sift/internal/runner"
)

// SandboxDataRoot is where sandboxes see the datasets dir mounted.
const SandboxDataRoot = "/data"

// typeInferenceSampleRows bounds how many rows are read per file when
// inferring column types.
const typeInferenceSampleRows = 50

// Registry is the immutable dataset catalog.
type Registry struct {
	dir      string
	datasets map[string]*domain.Dataset
	order    []string

	// samples caches file sample rows; the planner asks for them on
	// almost every schema inspection.
	samples *cache.Cache[string, [][]string]
}

// manifest is the optional registry.json at the root of the datasets
// dir, adding display names and example prompts per dataset id.
type manifest struct {
	Datasets []struct {
		ID             string   `json:"id"`
		Name           string   `json:"name"`
		ExamplePrompts []string `json:"example_prompts"`
	} `json:"datasets"`
}

// Load scans dir for datasets. Each subdirectory containing CSV files
// becomes a dataset whose id is the directory name; schemas are inferred
// from headers and sampled rows, and the version hash covers all file
// bytes.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read datasets dir: %w", err)
	}

	var man manifest
	if raw, err := os.ReadFile(filepath.Join(dir, "registry.json")); err == nil {
		if err := json.Unmarshal(raw, &man); err != nil {
			return nil, fmt.Errorf("parse registry.json: %w", err)
		}
	}
	names := make(map[string]string)
	prompts := make(map[string][]string)
	for _, d := range man.Datasets {
		names[d.ID] = d.Name
		prompts[d.ID] = d.ExamplePrompts
	}

	r := &Registry{
		dir:      dir,
		datasets: make(map[string]*domain.Dataset),
		samples:  cache.New[string, [][]string](cache.Options{TTL: 5 * time.Minute, MaxEntries: 200}),
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ds, err := loadDataset(dir, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("load dataset %s: %w", entry.Name(), err)
		}
		if ds == nil {
			continue // no CSV files
		}
		if name := names[ds.ID]; name != "" {
			ds.Name = name
		}
		ds.ExamplePrompts = prompts[ds.ID]
		r.datasets[ds.ID] = ds
		r.order = append(r.order, ds.ID)
	}
	sort.Strings(r.order)

	slog.Info("dataset registry loaded", "dir", dir, "datasets", len(r.order))
	return r, nil
}

func loadDataset(root, id string) (*domain.Dataset, error) {
	dsDir := filepath.Join(root, id)
	entries, err := os.ReadDir(dsDir)
	if err != nil {
		return nil, err
	}

	ds := &domain.Dataset{ID: id, Name: id}
	hash := sha256.New()

	var fileNames []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".csv") {
			fileNames = append(fileNames, e.Name())
		}
	}
	if len(fileNames) == 0 {
		return nil, nil
	}
	sort.Strings(fileNames)

	for _, name := range fileNames {
		path := filepath.Join(dsDir, name)
		schema, err := inferSchema(path)
		if err != nil {
			return nil, fmt.Errorf("infer schema for %s: %w", name, err)
		}
		ds.Files = append(ds.Files, domain.DatasetFile{Name: name, Path: path, Schema: schema})

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		hash.Write([]byte(name))
		if _, err := io.Copy(hash, f); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	ds.VersionHash = hex.EncodeToString(hash.Sum(nil))
	return ds, nil
}

// Get returns the dataset for id, or nil when unknown.
func (r *Registry) Get(id string) *domain.Dataset {
	return r.datasets[id]
}

// List returns all datasets in stable id order.
func (r *Registry) List() []domain.Dataset {
	out := make([]domain.Dataset, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.datasets[id])
	}
	return out
}

// RunnerFiles maps a dataset's files to their in-sandbox paths.
func (r *Registry) RunnerFiles(id string) []runner.File {
	ds := r.datasets[id]
	if ds == nil {
		return nil
	}
	files := make([]runner.File, 0, len(ds.Files))
	for _, f := range ds.Files {
		files = append(files, runner.File{
			Name: f.Name,
			Path: SandboxDataRoot + "/" + ds.ID + "/" + f.Name,
		})
	}
	return files
}

// SampleRows reads up to n data rows from one file of a dataset.
// Results are cached; dataset files do not change under a loaded
// registry.
func (r *Registry) SampleRows(id, fileName string, n int) ([][]string, error) {
	ds := r.datasets[id]
	if ds == nil {
		return nil, fmt.Errorf("unknown dataset %q", id)
	}
	cacheKey := fmt.Sprintf("%s/%s/%d", id, fileName, n)
	if rows, ok := r.samples.Get(cacheKey); ok {
		return rows, nil
	}
	for _, f := range ds.Files {
		if f.Name != fileName {
			continue
		}
		fh, err := os.Open(f.Path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()

		cr := csv.NewReader(fh)
		cr.FieldsPerRecord = -1
		if _, err := cr.Read(); err != nil { // header
			return nil, err
		}
		var rows [][]string
		for len(rows) < n {
			rec, err := cr.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			rows = append(rows, rec)
		}
		r.samples.Set(cacheKey, rows)
		return rows, nil
	}
	return nil, fmt.Errorf("unknown file %q in dataset %q", fileName, id)
}

// SchemaSummary renders a compact text description of a dataset's tables
// and columns, used in planner prompts.
func (r *Registry) SchemaSummary(id string) string {
	ds := r.datasets[id]
	if ds == nil {
		return ""
	}
	var sb strings.Builder
	for _, f := range ds.Files {
		fmt.Fprintf(&sb, "table %s:", plan.TableName(f.Name))
		for i, c := range f.Schema {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, " %s (%s)", c.Column, c.Type)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// inferSchema reads the header and a bounded sample of rows to assign a
// coarse type to each column: integer, float, boolean, date, or string.
func inferSchema(path string) ([]domain.ColumnSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	samples := make([][]string, len(header))
	for i := 0; i < typeInferenceSampleRows; i++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for col := 0; col < len(header) && col < len(rec); col++ {
			if rec[col] != "" {
				samples[col] = append(samples[col], rec[col])
			}
		}
	}

	schema := make([]domain.ColumnSchema, len(header))
	for i, name := range header {
		schema[i] = domain.ColumnSchema{Column: name, Type: inferType(samples[i])}
	}
	return schema, nil
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"}

func inferType(values []string) string {
	if len(values) == 0 {
		return "string"
	}
	isInt, isFloat, isBool, isDate := true, true, true, true
	for _, v := range values {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			isInt = false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			isFloat = false
		}
		switch strings.ToLower(v) {
		case "true", "false":
		default:
			isBool = false
		}
		if !parseableDate(v) {
			isDate = false
		}
	}
	switch {
	case isInt:
		return "integer"
	case isFloat:
		return "float"
	case isBool:
		return "boolean"
	case isDate:
		return "date"
	}
	return "string"
}

func parseableDate(v string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
