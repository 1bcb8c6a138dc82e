// Package registry holds the parsed API descriptors from api_config.json,
// keyed by data-field name.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"
)

// DataType is the declared type of a descriptor's value.
type DataType string

const (
	TypeFloat   DataType = "float"
	TypeDouble  DataType = "double"
	TypeDecimal DataType = "decimal"
	TypeInt     DataType = "int"
	TypeInteger DataType = "integer"
	TypeLong    DataType = "long"
	TypeBool    DataType = "bool"
	TypeBoolean DataType = "boolean"
	TypeString  DataType = "string"
	TypeText    DataType = "text"
)

// Descriptor is an immutable record describing one API field.
type Descriptor struct {
	ApiName                string   `json:"ApiName"`
	Type                   string   `json:"Type"`
	SubsystemIndex         int      `json:"SubsystemIndex"`
	MajorIndex             int      `json:"MajorIndex"`
	MinorIndex             int      `json:"MinorIndex"`
	StyleCode              *int     `json:"StyleCode"`
	Subscript              int      `json:"Subscript"`
	DataFieldName          string   `json:"DataFieldName"`
	DataFieldDescription   string   `json:"DataFieldDescription"`
	DataType               DataType `json:"DataType"`
	CollectionIntervalMs   int      `json:"CollectionIntervalMs"`
	Enabled                bool     `json:"Enabled"`
	MinimumChangeThreshold float64  `json:"MinimumChangeThreshold"`
}

// Style returns the descriptor's style code, or 0 when StyleCode is null.
func (d Descriptor) Style() int {
	if d.StyleCode == nil {
		return 0
	}
	return *d.StyleCode
}

// Key is the join key against a trigger node's <Field> segment: the
// DataFieldName, falling back to ApiName.
func (d Descriptor) Key() string {
	if d.DataFieldName != "" {
		return d.DataFieldName
	}
	return d.ApiName
}

type fieldGroup struct {
	General []Descriptor `json:"General"`
	Custom  []Descriptor `json:"Custom"`
}

type fileFormat struct {
	Configurations map[string]map[string]fieldGroup `json:"Configurations"`
}

// Registry is an in-memory lookup of Descriptor by field name, searching
// General then Custom lists across all machine kinds and series, returning
// the first match.
type Registry struct {
	// ordered holds all General descriptors before all Custom ones, with
	// kinds and series visited in sorted-key order, so lookups are
	// first-hit deterministic across runs.
	ordered []Descriptor
	byKey   map[string]Descriptor
}

// defaultDescriptor is substituted when the config file is absent or fails
// to parse.
func defaultDescriptor() Descriptor {
	style := 8
	return Descriptor{
		ApiName:              "WorkCounterA_Counted",
		DataFieldName:        "WorkCounterA_Counted",
		DataType:             TypeFloat,
		StyleCode:            &style,
		CollectionIntervalMs: 5000,
		Enabled:              true,
	}
}

// Load reads and parses path (api_config.json). On any I/O or parse error
// it logs a warning and returns a Registry containing only the one-item
// default descriptor; the system continues.
func Load(path string, logger *zap.Logger) *Registry {
	r, err := load(path)
	if err != nil {
		logger.Warn("registry: falling back to default descriptor", zap.String("path", path), zap.Error(err))
		return newFromDescriptors([]Descriptor{defaultDescriptor()})
	}
	return r
}

func load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var parsed fileFormat
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if len(parsed.Configurations) == 0 {
		return nil, fmt.Errorf("empty Configurations block")
	}

	// Map iteration order is randomized per run; walk kinds and series in
	// sorted-key order so the same file always yields the same first hit.
	kinds := make([]string, 0, len(parsed.Configurations))
	for kind := range parsed.Configurations {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	sortedSeries := func(seriesMap map[string]fieldGroup) []string {
		series := make([]string, 0, len(seriesMap))
		for s := range seriesMap {
			series = append(series, s)
		}
		sort.Strings(series)
		return series
	}

	// Every General list, across all kinds and series, precedes every
	// Custom list.
	var descriptors []Descriptor
	for _, kind := range kinds {
		seriesMap := parsed.Configurations[kind]
		for _, s := range sortedSeries(seriesMap) {
			descriptors = append(descriptors, seriesMap[s].General...)
		}
	}
	for _, kind := range kinds {
		seriesMap := parsed.Configurations[kind]
		for _, s := range sortedSeries(seriesMap) {
			descriptors = append(descriptors, seriesMap[s].Custom...)
		}
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("no descriptors in Configurations block")
	}

	return newFromDescriptors(descriptors), nil
}

// NewForTest builds a Registry directly from descriptors, bypassing file
// I/O, for use in other packages' tests.
func NewForTest(descriptors ...Descriptor) *Registry {
	return newFromDescriptors(descriptors)
}

func newFromDescriptors(descriptors []Descriptor) *Registry {
	r := &Registry{byKey: make(map[string]Descriptor)}
	for _, d := range descriptors {
		r.ordered = append(r.ordered, d)
		key := d.Key()
		if _, exists := r.byKey[key]; !exists {
			r.byKey[key] = d
		}
	}
	return r
}

// Lookup returns the descriptor for field, matching DataFieldName first and
// ApiName as a fallback, first hit wins.
func (r *Registry) Lookup(field string) (Descriptor, bool) {
	if d, ok := r.byKey[field]; ok {
		return d, true
	}
	for _, d := range r.ordered {
		if d.ApiName == field {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Marshal re-serializes the registry's descriptor set.
func (r *Registry) Marshal() ([]byte, error) {
	return json.Marshal(r.ordered)
}
