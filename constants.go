package scorepipe

import "github.com/bkral/go-scorepipe/internal/constants"

// Re-export constants for public API
const (
	DefaultBatchSize = constants.DefaultBatchSize
	MinBatchSize     = constants.MinBatchSize
	MaxBatchSize     = constants.MaxBatchSize
	DefaultSlabSize  = constants.DefaultSlabSize
	DefaultPollSlice = constants.DefaultPollSlice
	StderrRingSize   = constants.StderrRingSize
)
