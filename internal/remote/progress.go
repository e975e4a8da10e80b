package remote

import "github.com/schollz/progressbar/v3"

// Progress receives one tick per completed node. *progressbar.ProgressBar
// satisfies it.
type Progress interface {
	Add(n int) error
}

type nopProgress struct{}

func (nopProgress) Add(int) error { return nil }

// NopProgress is a Progress that discards ticks.
func NopProgress() Progress { return nopProgress{} }

// NewProgress builds a terminal progress bar for a sync of total nodes.
func NewProgress(description string, total int) Progress {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
