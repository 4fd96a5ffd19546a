package pipeline

import (
	"strings"

	"github.com/Tutortoise/equipment-scanner/models"
)

// Table is the read-only reference metadata table, keyed by lower-cased label.
type Table interface {
	Get(key string) (any, bool)
}

// Enrich attaches the reference record for record.Label, matched exactly on
// the lower-cased label.
func Enrich(record models.DetectionRecord, table Table) models.DetectionRecord {
	record.Details = models.NoDetails
	if table == nil {
		return record
	}
	if v, ok := table.Get(strings.ToLower(record.Label)); ok {
		record.Details = models.KnownDetails(v)
	}
	return record
}

func enrichAll(records []models.DetectionRecord, table Table) []models.DetectionRecord {
	for i := range records {
		records[i] = Enrich(records[i], table)
	}
	return records
}
