package manifest

import (
	"log/slog"
	"sort"
)

// FixReport counts what the consistency pass changed.
type FixReport struct {
	// OrphanSupervisions were dropped because their recording does not exist.
	OrphanSupervisions int
	// EmptySupervisions were dropped because they have no positive duration
	// left inside their recording.
	EmptySupervisions int
	// Truncated supervisions were shortened to end at their recording's end.
	Truncated int
	// UnsupervisedRecordings were dropped because no supervision references them.
	UnsupervisedRecordings int
}

// Dropped returns the total number of records removed.
func (r FixReport) Dropped() int {
	return r.OrphanSupervisions + r.EmptySupervisions + r.UnsupervisedRecordings
}

// Fix makes a recording/supervision pair of sets mutually consistent:
// supervisions referencing a missing recording are dropped, supervisions
// running past the end of their recording by more than tol are truncated,
// supervisions left without positive duration are dropped, and recordings
// with no remaining supervision are dropped. Input order is preserved.
func Fix(recs []Recording, sups []Supervision, tol float64, logger *slog.Logger) ([]Recording, []Supervision, FixReport) {
	if logger == nil {
		logger = slog.Default()
	}

	var report FixReport
	byID := make(map[string]Recording, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	kept := make([]Supervision, 0, len(sups))
	referenced := make(map[string]bool, len(recs))
	for _, s := range sups {
		rec, ok := byID[s.RecordingID]
		if !ok {
			report.OrphanSupervisions++
			logger.Warn("dropping supervision without recording",
				slog.String("supervision_id", s.ID),
				slog.String("recording_id", s.RecordingID),
			)
			continue
		}

		if s.End() > rec.Duration+tol {
			fixed := rec.Duration - s.Start
			logger.Warn("truncating supervision past recording end",
				slog.String("supervision_id", s.ID),
				slog.Float64("end", s.End()),
				slog.Float64("recording_duration", rec.Duration),
			)
			s.Duration = fixed
			report.Truncated++
		}

		if s.Duration <= 0 {
			report.EmptySupervisions++
			logger.Warn("dropping supervision with no duration",
				slog.String("supervision_id", s.ID),
				slog.Float64("start", s.Start),
				slog.Float64("duration", s.Duration),
			)
			continue
		}

		referenced[s.RecordingID] = true
		kept = append(kept, s)
	}

	keptRecs := make([]Recording, 0, len(recs))
	for _, r := range recs {
		if !referenced[r.ID] {
			report.UnsupervisedRecordings++
			logger.Warn("dropping recording without supervisions",
				slog.String("recording_id", r.ID),
			)
			continue
		}
		keptRecs = append(keptRecs, r)
	}

	return keptRecs, kept, report
}

// CutsFromManifests pairs every recording with its supervisions and builds
// one cut spanning the whole recording. Recordings without supervisions and
// supervisions without recordings produce no cut; callers are expected to
// run Fix first. The cut id is the recording id.
func CutsFromManifests(recs []Recording, sups []Supervision) CutSet {
	byRec := make(map[string][]Supervision, len(recs))
	for _, s := range sups {
		byRec[s.RecordingID] = append(byRec[s.RecordingID], s)
	}

	cuts := make(CutSet, 0, len(recs))
	for _, r := range recs {
		rs := byRec[r.ID]
		if len(rs) == 0 {
			continue
		}
		sorted := make([]Supervision, len(rs))
		copy(sorted, rs)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

		cuts = append(cuts, Cut{
			ID:           r.ID,
			Start:        0,
			Duration:     r.Duration,
			Channel:      0,
			Supervisions: sorted,
			Recording:    r,
			Type:         CutType,
		})
	}
	return cuts
}
