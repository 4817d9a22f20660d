package uploader

import (
	"time"

	"github.com/popel1988/hllstatsuploader/config"
	"github.com/popel1988/hllstatsuploader/state"
)

// ServerResult is the outcome of one server's cycle within a run.
type ServerResult struct {
	Server   config.ServerConfig
	Rows     int64
	Batches  int64
	Cursor   int64
	Advanced bool
	Drained  bool
	Err      error
}

// RunSummary aggregates one full pass over all enabled servers. It is
// reported and discarded, never persisted.
type RunSummary struct {
	StartedAt time.Time
	Duration  time.Duration
	Servers   []ServerResult
}

func (s *RunSummary) OK() bool {
	for _, r := range s.Servers {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// Status maps the summary onto the run status recorded in the state document.
func (s *RunSummary) Status() string {
	failed := 0
	for _, r := range s.Servers {
		if r.Err != nil {
			failed++
		}
	}
	switch {
	case failed == 0:
		return state.StatusSuccess
	case failed < len(s.Servers):
		return state.StatusPartial
	default:
		return state.StatusFailure
	}
}

func (s *RunSummary) TotalRows() int64 {
	var n int64
	for _, r := range s.Servers {
		n += r.Rows
	}
	return n
}
