package instrument

import (
	"github.com/google/uuid"

	"github.com/dexpack/dexpack/internal/report"
)

// writeReport records the run into the configured SQLite report database.
func (e *Engine) writeReport(res *Result) error {
	store, err := report.Open(e.opts.ReportPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rows := make([]report.MethodRow, 0, len(res.Records))
	for _, rec := range res.Records {
		rows = append(rows, report.MethodRow{
			Offset:         rec.Offset,
			Name:           e.showDeobfuscatedRef(rec.Method.Ref),
			Instrument:     int(rec.InstrumentedType()),
			NonEntryBlocks: rec.NumNonEntryBlocks,
			Vectors:        rec.NumVectors,
			ExitCalls:      rec.NumExitCalls,
			TooManyBlocks:  rec.TooManyBlocks,
		})
	}

	runID := uuid.NewString()
	if err := store.RecordRun(runID, rows); err != nil {
		return err
	}
	e.log.WithField("run_id", runID).Debug("instrumentation report recorded")
	return nil
}
