package state

import (
	"time"
)

// Run status values recorded per server and per run.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailure = "failure"
)

// ServerState is everything persisted for one server: the export high-water
// mark and bookkeeping about the last run that touched it.
type ServerState struct {
	Cursor       int64     `json:"cursor"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastStatus   string    `json:"last_status,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	TotalRows    int64     `json:"total_rows"`
	TotalBatches int64     `json:"total_batches"`
}

// Document is the full persisted state, rewritten wholesale on every change.
type Document struct {
	Servers    map[int]*ServerState `json:"servers"`
	RunCount   int64                `json:"run_count"`
	LastRunAt  time.Time            `json:"last_run_at"`
	LastStatus string               `json:"last_status,omitempty"`
}

func NewDocument() *Document {
	return &Document{Servers: map[int]*ServerState{}}
}

// Cursor returns the persisted cursor for a server, zero when the server has
// never been synced (export starts from the beginning).
func (d *Document) Cursor(serverID int) int64 {
	if s, ok := d.Servers[serverID]; ok {
		return s.Cursor
	}
	return 0
}

func (d *Document) Server(serverID int) *ServerState {
	if s, ok := d.Servers[serverID]; ok {
		return s
	}
	s := &ServerState{}
	d.Servers[serverID] = s
	return s
}

// SetCursor advances the cursor for a server. The cursor never moves backwards;
// a lower value is ignored.
func (d *Document) SetCursor(serverID int, cursor int64) {
	s := d.Server(serverID)
	if cursor > s.Cursor {
		s.Cursor = cursor
	}
}

func (d *Document) AddDelivered(serverID int, rows int64) {
	s := d.Server(serverID)
	s.TotalRows += rows
	s.TotalBatches++
}

func (d *Document) RecordServerRun(serverID int, at time.Time, status, errMsg string) {
	s := d.Server(serverID)
	s.LastRunAt = at
	s.LastStatus = status
	s.LastError = errMsg
}

func (d *Document) RecordRun(at time.Time, status string) {
	d.RunCount++
	d.LastRunAt = at
	d.LastStatus = status
}

// ResetServer drops the cursor and counters for one server.
func (d *Document) ResetServer(serverID int) {
	delete(d.Servers, serverID)
}

// ResetAll drops every cursor and all counters.
func (d *Document) ResetAll() {
	d.Servers = map[int]*ServerState{}
	d.RunCount = 0
	d.LastRunAt = time.Time{}
	d.LastStatus = ""
}

// Clone returns a deep copy. The engine mutates a clone and swaps it in only
// after the copy has been durably saved, so the in-memory view never gets
// ahead of the file on disk.
func (d *Document) Clone() *Document {
	out := &Document{
		Servers:    make(map[int]*ServerState, len(d.Servers)),
		RunCount:   d.RunCount,
		LastRunAt:  d.LastRunAt,
		LastStatus: d.LastStatus,
	}
	for id, s := range d.Servers {
		copied := *s
		out.Servers[id] = &copied
	}
	return out
}
