package pipeline

import (
	"fmt"
	"math"

	"github.com/Tutortoise/equipment-scanner/models"
)

// LabelFor resolves a class id, falling back to "class_<id>" when the name
// table has no (or an empty) entry.
func LabelFor(classID int, names map[int]string) string {
	if name, ok := names[classID]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("class_%d", classID)
}

// RoundConfidence rounds to 3 decimal places, halves away from zero.
func RoundConfidence(c float32) float64 {
	return math.Round(float64(c)*1000) / 1000
}

// Normalize converts raw candidates into detection records in emission order.
// Details are left as NoDetails. A structurally impossible candidate
// (confidence outside [0,1], non-finite or inverted box) fails the whole
// batch rather than producing a partial result.
func Normalize(candidates []models.RawCandidate, names map[int]string) ([]models.DetectionRecord, error) {
	records := make([]models.DetectionRecord, 0, len(candidates))
	for i, c := range candidates {
		if err := validateCandidate(c); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		records = append(records, models.DetectionRecord{
			Label:      LabelFor(c.ClassID, names),
			Confidence: RoundConfidence(c.Confidence),
			BBox: models.BBox{
				X1: float64(c.X1),
				Y1: float64(c.Y1),
				X2: float64(c.X2),
				Y2: float64(c.Y2),
			},
			Details: models.NoDetails,
		})
	}
	return records, nil
}

func validateCandidate(c models.RawCandidate) error {
	conf := float64(c.Confidence)
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return fmt.Errorf("confidence %v out of range", c.Confidence)
	}
	for _, v := range [4]float32{c.X1, c.Y1, c.X2, c.Y2} {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite box coordinate %v", v)
		}
	}
	if c.X1 > c.X2 || c.Y1 > c.Y2 {
		return fmt.Errorf("inverted box (%v,%v)-(%v,%v)", c.X1, c.Y1, c.X2, c.Y2)
	}
	return nil
}
