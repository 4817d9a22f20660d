package source

import "time"

// Row is one shaped kill event, ready for delivery. ID is the sync key: the
// primary key of the log_lines row it was built from.
type Row struct {
	ID            int64
	EventTime     time.Time
	EventType     string
	Weapon        string
	KillerSteamID string
	VictimSteamID string
	ServerName    string
}

// Batch is an ordered group of rows for one server, ascending by sync key.
type Batch struct {
	ServerID int
	Rows     []Row
}

func (b Batch) Empty() bool {
	return len(b.Rows) == 0
}

// MaxKey is the candidate next cursor: the sync key of the last row. Rows are
// fetched in ascending key order, so this is the batch maximum.
func (b Batch) MaxKey() int64 {
	if len(b.Rows) == 0 {
		return 0
	}
	return b.Rows[len(b.Rows)-1].ID
}
