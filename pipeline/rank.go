package pipeline

import (
	"sort"

	"github.com/Tutortoise/equipment-scanner/models"
)

// Rank orders records by confidence, descending. Equal confidences keep the
// detector's emission order.
func Rank(records []models.DetectionRecord) models.ScanResult {
	sorted := make([]models.DetectionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	return models.ScanResult{
		Found:      len(sorted) > 0,
		Count:      len(sorted),
		Detections: sorted,
	}
}
