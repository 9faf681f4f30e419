package model

// CounterKind selects how a named counter is computed by a source.
type CounterKind string

const (
	// CounterDocuments counts documents in a collection.
	CounterDocuments CounterKind = "count"
	// CounterSum sums a numeric field over the matching documents.
	CounterSum CounterKind = "sum"
)

// CounterSpec names one scalar shown as a metric tile.
type CounterSpec struct {
	Name       string      `mapstructure:"name" yaml:"name"`
	Kind       CounterKind `mapstructure:"kind" yaml:"kind"`
	Collection string      `mapstructure:"collection" yaml:"collection"`
	Step       string      `mapstructure:"step" yaml:"step,omitempty"`
	Field      string      `mapstructure:"field" yaml:"field,omitempty"`
}

// ScopeSpec names one independent polling stream.
type ScopeSpec struct {
	Name  string   `mapstructure:"name" yaml:"name"`
	Steps []string `mapstructure:"steps" yaml:"steps"`
}

// DefaultCounters mirrors the tiles of the clone detector dashboard.
func DefaultCounters(statusCollection string) []CounterSpec {
	if statusCollection == "" {
		statusCollection = DefaultStatusCollection
	}
	return []CounterSpec{
		{Name: "total_files_processed", Kind: CounterDocuments, Collection: DefaultFilesCollection},
		{Name: "total_files_chunkified", Kind: CounterDocuments, Collection: statusCollection, Step: StepChunkifyFile},
		{Name: "clones_found", Kind: CounterDocuments, Collection: DefaultClonesCollection},
		{Name: "chunkify_time_total", Kind: CounterSum, Collection: statusCollection, Step: StepChunkifyFile, Field: "duration"},
	}
}

// DefaultScopes returns one scope per default step.
func DefaultScopes() []ScopeSpec {
	scopes := make([]ScopeSpec, 0, len(DefaultSteps))
	for _, step := range DefaultSteps {
		scopes = append(scopes, ScopeSpec{Name: step, Steps: []string{step}})
	}
	return scopes
}
