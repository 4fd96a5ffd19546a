package detections

import (
	"fmt"
	"math"
	"sort"

	"github.com/Tutortoise/equipment-scanner/models"
)

// decodeOutput reads a YOLO output tensor laid out as [4+numClasses][anchors]
// (cx, cy, w, h rows first, then one score row per class) and returns every
// anchor whose best class score exceeds threshold, mapped back to frame
// pixels and clipped to the frame.
func decodeOutput(out []float32, numClasses, anchors int, threshold float32, lb letterbox, frameW, frameH int) ([]models.RawCandidate, error) {
	if expected := (4 + numClasses) * anchors; len(out) != expected {
		return nil, fmt.Errorf("unexpected output length: got %d, want %d", len(out), expected)
	}

	candidates := make([]models.RawCandidate, 0, 64)
	for i := 0; i < anchors; i++ {
		classID, score := 0, float32(0)
		for c := 0; c < numClasses; c++ {
			if s := out[(4+c)*anchors+i]; s > score {
				classID, score = c, s
			}
		}
		if score <= threshold {
			continue
		}

		cx, cy := out[i], out[anchors+i]
		w, h := out[2*anchors+i], out[3*anchors+i]

		x1, y1 := lb.toFrame(cx-w/2, cy-h/2)
		x2, y2 := lb.toFrame(cx+w/2, cy+h/2)

		candidates = append(candidates, models.RawCandidate{
			ClassID:    classID,
			Confidence: score,
			X1:         float32(clamp(x1, 0, float64(frameW))),
			Y1:         float32(clamp(y1, 0, float64(frameH))),
			X2:         float32(clamp(x2, 0, float64(frameW))),
			Y2:         float32(clamp(y2, 0, float64(frameH))),
		})
	}
	return candidates, nil
}

// nonMaxSuppression keeps the highest scoring box of every overlapping group
// of the same class. The result is ordered by score, descending; equal scores
// keep their input order.
func nonMaxSuppression(candidates []models.RawCandidate, iouThreshold float64, limit int) []models.RawCandidate {
	sorted := make([]models.RawCandidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	suppressed := make([]bool, len(sorted))
	kept := make([]models.RawCandidate, 0, min(len(sorted), limit))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		if len(kept) == limit {
			break
		}
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && sorted[j].ClassID == sorted[i].ClassID &&
				calculateIOU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(a, b models.RawCandidate) float64 {
	x1 := math.Max(float64(a.X1), float64(b.X1))
	y1 := math.Max(float64(a.Y1), float64(b.Y1))
	x2 := math.Min(float64(a.X2), float64(b.X2))
	y2 := math.Min(float64(a.Y2), float64(b.Y2))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64(a.X2-a.X1) * float64(a.Y2-a.Y1)
	area2 := float64(b.X2-b.X1) * float64(b.Y2-b.Y1)
	union := area1 + area2 - intersection

	return intersection / union
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
