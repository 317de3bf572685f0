package api

import (
	"fmt"
	"path"
	"strings"
)

// Format is the minimal file-format contract needed to cache and move a
// file-group: a primary extension, the side-car files expected next to the
// primary, and whether the "file" is actually a directory (e.g. a DICOM
// series). It is deliberately not a full format registry.
type Format struct {
	Name      string
	Ext       string            // primary extension including the leading dot, e.g. ".nii.gz"
	SideCars  map[string]string // side-car name -> extension, e.g. {"json": ".json"}
	Directory bool
}

// Primary returns the primary file path for a name-path stem.
func (f Format) Primary(stem string) string {
	if f.Directory {
		return stem
	}
	return stem + f.Ext
}

// DefaultSideCars maps side-car names to the paths expected alongside the
// given primary path.
func (f Format) DefaultSideCars(primary string) map[string]string {
	if len(f.SideCars) == 0 {
		return nil
	}
	stem := strings.TrimSuffix(primary, f.Ext)
	out := make(map[string]string, len(f.SideCars))
	for name, ext := range f.SideCars {
		out[name] = stem + ext
	}
	return out
}

// Matches reports whether a candidate file name can be this format's
// primary file.
func (f Format) Matches(filename string) bool {
	if f.Directory {
		return !strings.Contains(path.Base(filename), ".")
	}
	return strings.HasSuffix(filename, f.Ext)
}

func (f Format) String() string {
	if f.Name != "" {
		return f.Name
	}
	return fmt.Sprintf("format(%s)", f.Ext)
}

// Common neuroimaging formats. Callers with other data can construct their
// own Format values; nothing below is special-cased.
var (
	NiftiGz = Format{Name: "nifti-gz", Ext: ".nii.gz"}
	NiftiGzX = Format{
		Name:     "nifti-gz-x",
		Ext:      ".nii.gz",
		SideCars: map[string]string{"json": ".json"},
	}
	Nifti    = Format{Name: "nifti", Ext: ".nii"}
	Json     = Format{Name: "json", Ext: ".json"}
	Text     = Format{Name: "text", Ext: ".txt"}
	DicomDir = Format{Name: "dicom-dir", Directory: true}
)

// FormatByName resolves one of the built-in formats from its name, for
// callers that take format names from configuration rather than code.
func FormatByName(name string) (Format, error) {
	builtin := []Format{NiftiGz, NiftiGzX, Nifti, Json, Text, DicomDir}
	available := make([]string, len(builtin))
	for i, f := range builtin {
		if f.Name == name {
			return f, nil
		}
		available[i] = f.Name
	}
	return Format{}, &NameError{Kind: "format", Name: name, Available: available}
}

// Quality is an item annotation set either manually or by automated QC.
type Quality int

const (
	Unusable Quality = iota
	Artefactual
	Questionable
	Noisy
	Usable
)

func (q Quality) String() string {
	switch q {
	case Unusable:
		return "unusable"
	case Artefactual:
		return "artefactual"
	case Questionable:
		return "questionable"
	case Noisy:
		return "noisy"
	case Usable:
		return "usable"
	}
	return fmt.Sprintf("quality(%d)", int(q))
}

// Salience ranks how worthwhile an item is to keep: stores may apply a
// salience threshold to decide what gets persisted versus discarded after
// use, and sink listings use it to keep help output uncluttered.
type Salience int

const (
	Temp Salience = iota
	Debug
	QA
	Supplementary
	Publication
	Primary
)

func (s Salience) String() string {
	switch s {
	case Temp:
		return "temp"
	case Debug:
		return "debug"
	case QA:
		return "qa"
	case Supplementary:
		return "supplementary"
	case Publication:
		return "publication"
	case Primary:
		return "primary"
	}
	return fmt.Sprintf("salience(%d)", int(s))
}
