package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/popel1988/hllstatsuploader/config"
	"github.com/popel1988/hllstatsuploader/internal/pg"
	"github.com/popel1988/hllstatsuploader/logger"
)

// ErrSourceUnavailable wraps connection and query failures against the source
// database. The engine defers the affected server to the next tick; the cursor
// is untouched.
var ErrSourceUnavailable = errors.New("source database unavailable")

const (
	logTable     = "log_lines"
	steamIDTable = "steam_id_64"

	postgresTimestampFormat       = "2006-01-02 15:04:05"
	postgresTimestampFormatMicros = "2006-01-02 15:04:05.999999"
)

// Reader pulls bounded, ordered batches of kill events from the CRCON database.
type Reader interface {
	// FetchBatch returns up to limit rows with sync key strictly greater than
	// after, ascending by sync key. An empty batch means the server's backlog
	// is drained.
	FetchBatch(ctx context.Context, server config.ServerConfig, after int64, limit int) (Batch, error)

	// TestConnection checks reachability only; it never reads rows or state.
	TestConnection(ctx context.Context) error
}

type reader struct {
	cfg *config.Config

	connect func(ctx context.Context, dsn string) (pg.Connection, error)
}

func NewReader(cfg *config.Config) Reader {
	return &reader{cfg: cfg, connect: pg.NewConnection}
}

func (r *reader) FetchBatch(ctx context.Context, server config.ServerConfig, after int64, limit int) (Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	conn, err := r.connect(ctx, r.cfg.DSN())
	if err != nil {
		return Batch{}, fmt.Errorf("%w: connect: %v", ErrSourceUnavailable, err)
	}
	defer conn.Close(ctx)

	args := [][]byte{
		[]byte(strconv.FormatInt(after, 10)),
		[]byte(strconv.Itoa(server.ID)),
		[]byte(strconv.Itoa(limit)),
	}

	result := conn.ExecParams(ctx, batchQuery(), args).Read()
	if result.Err != nil {
		return Batch{}, fmt.Errorf("%w: batch query for server %d: %v", ErrSourceUnavailable, server.ID, result.Err)
	}

	batch := Batch{ServerID: server.ID, Rows: make([]Row, 0, len(result.Rows))}
	for _, raw := range result.Rows {
		row, err := parseRow(raw, server.Name)
		if err != nil {
			return Batch{}, fmt.Errorf("parse row for server %d: %w", server.ID, err)
		}
		batch.Rows = append(batch.Rows, row)
	}

	if !batch.Empty() {
		logger.Debug("batch fetched", "server", server.ID, "rows", len(batch.Rows), "after", after, "maxKey", batch.MaxKey())
	}
	return batch, nil
}

func (r *reader) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	conn, err := r.connect(ctx, r.cfg.DSN())
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrSourceUnavailable, err)
	}
	defer conn.Close(ctx)

	results, err := conn.Exec(ctx, "SELECT version()").ReadAll()
	if err != nil {
		return fmt.Errorf("%w: version query: %v", ErrSourceUnavailable, err)
	}

	if len(results) > 0 && len(results[0].Rows) > 0 && len(results[0].Rows[0]) > 0 {
		logger.Info("database reachable", "version", string(results[0].Rows[0][0]))
	}
	return nil
}

// batchQuery builds the export query. Only KILL and TEAM KILL events are
// exported; the two steam_id_64 joins resolve the internal player ids the log
// table stores. The LIMIT is applied server-side.
func batchQuery() string {
	return fmt.Sprintf(`
		SELECT ll.id, ll.event_time, ll.type, ll.weapon,
		       s1.steam_id_64 AS killer_steamid,
		       s2.steam_id_64 AS victim_steamid
		FROM %[1]s AS ll
		LEFT JOIN %[2]s AS s1 ON ll.player1_steamid = s1.id
		LEFT JOIN %[2]s AS s2 ON ll.player2_steamid = s2.id
		WHERE ll.type IN ('KILL', 'TEAM KILL')
		  AND ll.id > $1
		  AND ll.server = $2
		ORDER BY ll.id ASC
		LIMIT $3`,
		pq.QuoteIdentifier(logTable), pq.QuoteIdentifier(steamIDTable))
}

func parseRow(raw [][]byte, serverName string) (Row, error) {
	if len(raw) < 6 {
		return Row{}, fmt.Errorf("expected 6 columns, got %d", len(raw))
	}

	id, err := strconv.ParseInt(string(raw[0]), 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("parse row id %q: %w", raw[0], err)
	}

	row := Row{
		ID:            id,
		EventType:     string(raw[2]),
		Weapon:        string(raw[3]),
		KillerSteamID: nullableString(raw[4]),
		VictimSteamID: nullableString(raw[5]),
		ServerName:    serverName,
	}

	if raw[1] != nil {
		row.EventTime, err = parseTimestamp(string(raw[1]))
		if err != nil {
			return Row{}, fmt.Errorf("row %d: %w", id, err)
		}
	}
	return row, nil
}

func nullableString(value []byte) string {
	if value == nil {
		return ""
	}
	return string(value)
}

func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		postgresTimestampFormatMicros + "-07",
		postgresTimestampFormat + "-07",
		postgresTimestampFormatMicros,
		postgresTimestampFormat,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
