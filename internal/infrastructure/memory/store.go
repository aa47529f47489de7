// Package memory serves patients and stock from YAML fixtures for local runs
// and tests.
package memory

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/domain/patient"
)

//go:embed fixtures.yaml
var demoFixtures []byte

// Fixtures is the on-disk fixture document.
type Fixtures struct {
	Patients     []patient.Snapshot                   `yaml:"patients"`
	Stock        []collab.StockItem                   `yaml:"stock"`
	Alternatives map[string][]collab.StockAlternative `yaml:"alternatives"`
}

// Load reads fixtures from path. An empty path returns the bundled demo set.
func Load(path string) (*Fixtures, error) {
	content := demoFixtures
	if path != "" {
		var err error
		if content, err = os.ReadFile(filepath.Clean(path)); err != nil {
			return nil, fmt.Errorf("read fixtures: %w", err)
		}
	}
	return Parse(content)
}

// Parse decodes a fixture document. Patient ids must be unique.
func Parse(content []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	seen := make(map[string]bool, len(f.Patients))
	for i, p := range f.Patients {
		if p.PatientID == "" {
			return nil, fmt.Errorf("fixtures: patient %d has no patient_id", i)
		}
		if seen[p.PatientID] {
			return nil, fmt.Errorf("fixtures: duplicate patient %s", p.PatientID)
		}
		seen[p.PatientID] = true
	}
	return &f, nil
}

// PatientStore is an in-memory collab.ClinicalSource.
type PatientStore struct {
	mu       sync.RWMutex
	patients map[string]patient.Snapshot
}

// NewPatientStore indexes snaps by patient id.
func NewPatientStore(snaps []patient.Snapshot) *PatientStore {
	s := &PatientStore{patients: make(map[string]patient.Snapshot, len(snaps))}
	for _, snap := range snaps {
		s.Put(snap)
	}
	return s
}

// Put adds or replaces a patient.
func (s *PatientStore) Put(snap patient.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[snap.PatientID] = snap
}

// FetchContext returns the stored snapshot or collab.ErrPatientNotFound.
func (s *PatientStore) FetchContext(ctx context.Context, patientID string) (patient.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return patient.Snapshot{}, err
	}
	s.mu.RLock()
	snap, ok := s.patients[patientID]
	s.mu.RUnlock()
	if !ok {
		return patient.Snapshot{}, fmt.Errorf("%w: %s", collab.ErrPatientNotFound, patientID)
	}
	// Callers get a copy.
	return patient.New(snap).Snapshot(), nil
}

// IDs lists stored patient ids in order.
func (s *PatientStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.patients))
	for id := range s.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StockCatalog is an in-memory collab.StockSource.
type StockCatalog struct {
	mu           sync.RWMutex
	items        []collab.StockItem
	alternatives map[string][]collab.StockAlternative
}

// NewStockCatalog builds a catalog. Alternative keys are drug names.
func NewStockCatalog(items []collab.StockItem, alternatives map[string][]collab.StockAlternative) *StockCatalog {
	alts := make(map[string][]collab.StockAlternative, len(alternatives))
	for drug, a := range alternatives {
		alts[normalize(drug)] = append([]collab.StockAlternative(nil), a...)
	}
	return &StockCatalog{
		items:        append([]collab.StockItem(nil), items...),
		alternatives: alts,
	}
}

// SetQuantity updates the quantity of drug/strength at location, adding the
// item when it is new.
func (c *StockCatalog) SetQuantity(drug, strength, location string, qty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, it := range c.items {
		if normalize(it.Drug) == normalize(drug) && normalize(it.Strength) == normalize(strength) && it.Location == location {
			c.items[i].Quantity = qty
			return
		}
	}
	c.items = append(c.items, collab.StockItem{Drug: drug, Strength: strength, Location: location, Quantity: qty})
}

// CheckAvailability matches drug case-insensitively and, when strength is
// given, ignoring whitespace. Unknown drugs are simply unavailable.
func (c *StockCatalog) CheckAvailability(ctx context.Context, genericName, strength string) (collab.StockResult, error) {
	if err := ctx.Err(); err != nil {
		return collab.StockResult{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	drug := normalize(genericName)
	res := collab.StockResult{Items: []collab.StockItem{}, Alternatives: []collab.StockAlternative{}}
	for _, it := range c.items {
		if normalize(it.Drug) != drug {
			continue
		}
		if strength != "" && normalize(it.Strength) != normalize(strength) {
			continue
		}
		res.Items = append(res.Items, it)
	}
	res.Available = len(res.Locations()) > 0
	res.Alternatives = append(res.Alternatives, c.alternatives[drug]...)
	return res, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "")
}
