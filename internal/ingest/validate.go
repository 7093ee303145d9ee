package ingest

import (
	"time"

	"github.com/ncar-hpc/qhistdb/internal/models"
)

// ValidTimestamps reports whether all four lifecycle timestamps are present
// and ordered submit <= eligible <= start <= end. qhist occasionally reports
// the Unix epoch for one of them.
func ValidTimestamps(j *models.Job) bool {
	ts := []*time.Time{j.Submit, j.Eligible, j.Start, j.End}
	for i, t := range ts {
		if t == nil {
			return false
		}
		if i > 0 && t.Before(*ts[i-1]) {
			return false
		}
	}
	return true
}

// Split partitions jobs into insertable records and a count of rejected ones
// (no job id, or timestamps failing ValidTimestamps).
func Split(jobs []models.Job) (valid []models.Job, rejected int) {
	valid = make([]models.Job, 0, len(jobs))
	for i := range jobs {
		if jobs[i].JobID != "" && ValidTimestamps(&jobs[i]) {
			valid = append(valid, jobs[i])
			continue
		}
		rejected++
	}
	return valid, rejected
}
