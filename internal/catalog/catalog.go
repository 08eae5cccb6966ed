// Package catalog loads the model catalog and routing table and serves
// read-only lookups against them. Both files are validated at startup;
// an identifier that does not resolve is a fatal load error.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	throttle "github.com/throttleproxy/throttle/internal"
)

// Registry holds the immutable model catalog. The cost-ascending order
// doubles as the mode-independent capability hierarchy: cheapest first,
// most capable last.
type Registry struct {
	byID    map[string]throttle.ModelSpec
	ordered []throttle.ModelSpec
}

type catalogFile struct {
	Models []throttle.ModelSpec `json:"models"`
}

// LoadCatalog reads and validates the model catalog file.
func LoadCatalog(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	return New(f.Models)
}

// New builds a registry from the given specs.
func New(models []throttle.ModelSpec) (*Registry, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("catalog: no models")
	}
	r := &Registry{
		byID:    make(map[string]throttle.ModelSpec, len(models)),
		ordered: make([]throttle.ModelSpec, 0, len(models)),
	}
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("catalog: model with empty id")
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", m.ID)
		}
		if _, ok := throttle.ParseProviderTag(string(m.Provider)); !ok {
			return nil, fmt.Errorf("catalog: model %q has unknown provider %q", m.ID, m.Provider)
		}
		if m.InputCostPerMTok < 0 || m.OutputCostPerMTok < 0 {
			return nil, fmt.Errorf("catalog: model %q has negative cost", m.ID)
		}
		r.byID[m.ID] = m
		r.ordered = append(r.ordered, m)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		a, b := r.ordered[i], r.ordered[j]
		if a.OutputCostPerMTok != b.OutputCostPerMTok {
			return a.OutputCostPerMTok < b.OutputCostPerMTok
		}
		if a.InputCostPerMTok != b.InputCostPerMTok {
			return a.InputCostPerMTok < b.InputCostPerMTok
		}
		return a.ID < b.ID
	})
	return r, nil
}

// Get looks up a model by id.
func (r *Registry) Get(id string) (throttle.ModelSpec, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// Len returns the number of catalog models.
func (r *Registry) Len() int { return len(r.ordered) }

// All returns the models in cost-ascending order. Callers must not
// mutate the returned slice.
func (r *Registry) All() []throttle.ModelSpec { return r.ordered }

// StepDown returns the model one capability step below the given one.
// ok is false when the model is unknown or already at the floor; the
// caller then inherits the parent model unchanged.
func (r *Registry) StepDown(id string) (throttle.ModelSpec, bool) {
	for i, m := range r.ordered {
		if m.ID == id {
			if i == 0 {
				return m, false
			}
			return r.ordered[i-1], true
		}
	}
	return throttle.ModelSpec{}, false
}

// MostExpensive returns the baseline model for stats: the priciest
// catalog entry by output cost.
func (r *Registry) MostExpensive() throttle.ModelSpec {
	return r.ordered[len(r.ordered)-1]
}

// ValidateAliases checks that every force-model alias resolves in the
// catalog.
func (r *Registry) ValidateAliases(aliases map[string]string) error {
	for alias, id := range aliases {
		if _, ok := r.byID[id]; !ok {
			return fmt.Errorf("catalog: alias %q references unknown model %q", alias, id)
		}
	}
	return nil
}

// Table is the immutable mode/tier routing table.
type Table struct {
	cells map[throttle.Mode]map[throttle.Tier][]string
}

// LoadTable reads the routing table file and validates every referenced
// id against the registry.
func LoadTable(path string, reg *Registry) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing table: read: %w", err)
	}
	var raw map[string]map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("routing table: parse: %w", err)
	}
	return NewTable(raw, reg)
}

// NewTable builds a table from raw mode/tier cells. Mode names accept
// the legacy "performance" spelling for gigachad; surplus keys and
// unresolved model ids are load errors.
func NewTable(raw map[string]map[string][]string, reg *Registry) (*Table, error) {
	t := &Table{cells: make(map[throttle.Mode]map[throttle.Tier][]string, len(raw))}
	for modeName, tiers := range raw {
		mode, ok := throttle.ParseMode(modeName)
		if !ok {
			return nil, fmt.Errorf("routing table: unknown mode %q", modeName)
		}
		if _, dup := t.cells[mode]; dup {
			return nil, fmt.Errorf("routing table: mode %q listed twice", modeName)
		}
		cell := make(map[throttle.Tier][]string, len(tiers))
		for tierName, ids := range tiers {
			tier, ok := throttle.ParseTier(tierName)
			if !ok {
				return nil, fmt.Errorf("routing table: unknown tier %q in mode %q", tierName, modeName)
			}
			for _, id := range ids {
				if _, ok := reg.Get(id); !ok {
					return nil, fmt.Errorf("routing table: %s/%s references unknown model %q", modeName, tierName, id)
				}
			}
			cell[tier] = ids
		}
		t.cells[mode] = cell
	}
	return t, nil
}

// Preferences returns the ordered model ids for a mode/tier cell, or nil
// when the cell is empty.
func (t *Table) Preferences(mode throttle.Mode, tier throttle.Tier) []string {
	return t.cells[mode][tier]
}

// Modes returns the modes present in the table.
func (t *Table) Modes() []throttle.Mode {
	modes := make([]throttle.Mode, 0, len(t.cells))
	for m := range t.cells {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}
