// Package scheduler triggers the engine pipeline on a fixed interval.
// Each tick runs in its own goroutine so a slow run never delays the
// ticker; the pipeline's own guard drops ticks that arrive mid-run.
package scheduler
