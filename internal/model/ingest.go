package model

import (
	"encoding/json"
	"time"
)

// StatusUpdate is the write-side shape of a timer record as produced by the
// pipeline workers. It is the transport contract for pushed ingestion.
type StatusUpdate struct {
	Timestamp    time.Time `json:"timestamp"`
	Step         string    `json:"step" binding:"required"`
	Duration     int64     `json:"duration"`
	FileName     string    `json:"fileName"`
	TimePerChunk int64     `json:"time-per-chunk"`
	ChunksCount  int64     `json:"chunks-count"`
}

// AverageSample is the payload of the backend "/average/{window}" endpoint.
type AverageSample struct {
	X int64              `json:"x"`
	Y map[string]float64 `json:"y"`
}

// UnmarshalJSON accepts x as an integer or a float.
func (s *AverageSample) UnmarshalJSON(data []byte) error {
	var raw struct {
		X float64            `json:"x"`
		Y map[string]float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.X = int64(raw.X)
	s.Y = raw.Y
	return nil
}
