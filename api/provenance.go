package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"time"
)

// ProvenanceVersion is written into every new record so older readers can
// detect format drift.
const ProvenanceVersion = "1.0"

// Provenance records how an item was produced: which pipeline ran, at what
// frequency and ID context, and the checksums/values of the inputs it
// consumed and outputs it wrote. Altered outputs can then be detected by
// comparing stored checksums against the files on disk.
type Provenance struct {
	Pipeline  string            `json:"pipeline"`
	Frequency string            `json:"frequency"`
	IDs       map[string]string `json:"ids,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Inputs    map[string]any    `json:"inputs,omitempty"`
	Outputs   map[string]any    `json:"outputs,omitempty"`
	Datetime  time.Time         `json:"datetime"`
	Version   string            `json:"__prov_version__"`
}

// Stamp fills the datetime and record version if unset, returning the
// receiver for chaining.
func (p *Provenance) Stamp() *Provenance {
	if p.Datetime.IsZero() {
		p.Datetime = time.Now().UTC()
	}
	if p.Version == "" {
		p.Version = ProvenanceVersion
	}
	return p
}

// Equivalent compares two records ignoring datetime and version, which
// legitimately differ between re-runs of the same pipeline configuration.
func (p *Provenance) Equivalent(other *Provenance) bool {
	if p == nil || other == nil {
		return p == other
	}
	a, b := *p, *other
	a.Datetime, b.Datetime = time.Time{}, time.Time{}
	a.Version, b.Version = "", ""
	return reflect.DeepEqual(a, b)
}

// Save writes the record as indented JSON.
func (p *Provenance) Save(path string) error {
	data, err := json.MarshalIndent(p.Stamp(), "", "  ")
	if err != nil {
		return fmt.Errorf("%w: serialise provenance: %v", ErrInternal, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write provenance %s: %v", ErrStore, path, err)
	}
	return nil
}

// LoadProvenance reads a record from a JSON side-file. A missing file
// returns (nil, nil) when ignoreMissing is set, so callers populating items
// can treat provenance as optional.
func LoadProvenance(path string, ignoreMissing bool) (*Provenance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if ignoreMissing {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: provenance file %s", ErrMissingData, path)
		}
		return nil, fmt.Errorf("%w: read provenance %s: %v", ErrStore, path, err)
	}
	var p Provenance
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse provenance %s: %v", ErrStore, path, err)
	}
	return &p, nil
}
