package model

import "time"

// Shared defaults used by the aggregator, the refresh loop and the CLI.
const (
	DefaultUpdateInterval = 5 * time.Second
	DefaultBatchSize      = 1000
	DefaultRecentLimit    = 100
	DefaultQueryTimeout   = 30 * time.Second

	DefaultDatabase         = "cloneDetector"
	DefaultStatusCollection = "statusUpdates"
	DefaultFilesCollection  = "files"
	DefaultClonesCollection = "clones"
)

// Step labels written by the clone detector workers.
const (
	StepChunkifyFile          = "chunkify-file"
	StepExpandSingleCandidate = "expand-single-candidate"
)

// DefaultSteps is the step filter used when no scope configuration is given.
var DefaultSteps = []string{StepChunkifyFile, StepExpandSingleCandidate}
