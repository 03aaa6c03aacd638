// Package records serves the patient record catalog from YAML.
package records

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/qshield/pkg/models"
)

//go:embed catalog.yaml
var embedded []byte

// ErrNotFound is returned for unknown patient IDs.
var ErrNotFound = errors.New("patient not found")

// file is the top-level YAML structure.
type file struct {
	Records []models.PatientRecord `yaml:"records"`
}

type index struct {
	byID  map[string]*models.PatientRecord
	order []string // preserves definition order
}

// Catalog holds the loaded records. Reload swaps the whole set atomically,
// so readers never observe a partial catalog.
type Catalog struct {
	path string
	idx  atomic.Pointer[index]
}

// parse builds an index from YAML data. Duplicate IDs are rejected.
func parse(data []byte) (*index, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	idx := &index{byID: make(map[string]*models.PatientRecord, len(f.Records))}
	for i := range f.Records {
		r := &f.Records[i]
		if r.PatientID == "" {
			return nil, fmt.Errorf("record %d: missing patient_id", i)
		}
		if _, dup := idx.byID[r.PatientID]; dup {
			return nil, fmt.Errorf("duplicate patient_id %q", r.PatientID)
		}
		idx.byID[r.PatientID] = r
		idx.order = append(idx.order, r.PatientID)
	}
	return idx, nil
}

// Embedded returns a catalog of the built-in sample records.
func Embedded() *Catalog {
	idx, err := parse(embedded)
	if err != nil {
		panic("records: embedded catalog: " + err.Error())
	}
	c := &Catalog{}
	c.idx.Store(idx)
	return c
}

// Load reads the catalog at path. An empty path selects the embedded
// catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Embedded(), nil
	}
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the backing file, or "" for the embedded catalog.
func (c *Catalog) Path() string { return c.path }

// Reload re-reads the backing file. On error the current records are kept.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	idx, err := parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", c.path, err)
	}
	c.idx.Store(idx)
	log.Info().Str("path", c.path).Int("records", len(idx.order)).Msg("Record catalog loaded")
	return nil
}

// Get returns a copy of the record with the given ID.
func (c *Catalog) Get(patientID string) (models.PatientRecord, error) {
	r, ok := c.idx.Load().byID[patientID]
	if !ok {
		return models.PatientRecord{}, fmt.Errorf("%w: %s", ErrNotFound, patientID)
	}
	return *r, nil
}

// All returns every record in definition order.
func (c *Catalog) All() []models.PatientRecord {
	idx := c.idx.Load()
	out := make([]models.PatientRecord, 0, len(idx.order))
	for _, id := range idx.order {
		out = append(out, *idx.byID[id])
	}
	return out
}

// Search returns records whose name, patient ID or diagnosis contains query,
// ignoring case. An empty query matches everything.
func (c *Catalog) Search(query string) []models.PatientRecord {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []models.PatientRecord
	for _, r := range c.All() {
		if strings.Contains(strings.ToLower(r.Name), q) ||
			strings.Contains(strings.ToLower(r.PatientID), q) ||
			strings.Contains(strings.ToLower(r.Diagnosis), q) {
			out = append(out, r)
		}
	}
	return out
}
