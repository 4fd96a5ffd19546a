package models

import (
	"encoding/json"
	"time"
)

// RawCandidate is one region proposed by the detector, before normalization.
type RawCandidate struct {
	ClassID    int
	Confidence float32
	X1, Y1     float32
	X2, Y2     float32
}

type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Details is the reference record attached to a detection. The zero value is
// NoDetails and encodes as JSON null.
type Details struct {
	Value any
	Known bool
}

// NoDetails marks a label that has no entry in the reference table.
var NoDetails = Details{}

func KnownDetails(v any) Details {
	return Details{Value: v, Known: true}
}

func (d Details) MarshalJSON() ([]byte, error) {
	if !d.Known {
		return []byte("null"), nil
	}
	return json.Marshal(d.Value)
}

type DetectionRecord struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	Details    Details `json:"details"`
}

type ScanResult struct {
	Found      bool              `json:"found"`
	Count      int               `json:"count"`
	Detections []DetectionRecord `json:"detections"`
}

type ProcessingTimings struct {
	RequestID string
	Decode    time.Duration
	Inference time.Duration
	Normalize time.Duration
	Enrich    time.Duration
	Rank      time.Duration
	Total     time.Duration
}
