package uploader

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popel1988/hllstatsuploader/config"
	"github.com/popel1988/hllstatsuploader/source"
	"github.com/popel1988/hllstatsuploader/state"
)

type fakeReader struct {
	rows    map[int][]source.Row
	failFor map[int]error
	fetches int
}

func (f *fakeReader) FetchBatch(_ context.Context, server config.ServerConfig, after int64, limit int) (source.Batch, error) {
	f.fetches++
	if err, ok := f.failFor[server.ID]; ok {
		return source.Batch{}, err
	}

	batch := source.Batch{ServerID: server.ID}
	for _, row := range f.rows[server.ID] {
		if row.ID > after {
			batch.Rows = append(batch.Rows, row)
			if len(batch.Rows) == limit {
				break
			}
		}
	}
	return batch, nil
}

func (f *fakeReader) TestConnection(context.Context) error {
	return nil
}

type delivery struct {
	serverID int
	keys     []int64
}

type fakeSink struct {
	deliveries []delivery
	failFor    map[int]error
}

func (f *fakeSink) Deliver(_ context.Context, server config.ServerConfig, batch source.Batch) error {
	if err, ok := f.failFor[server.ID]; ok {
		return err
	}
	keys := make([]int64, 0, len(batch.Rows))
	for _, row := range batch.Rows {
		keys = append(keys, row.ID)
	}
	f.deliveries = append(f.deliveries, delivery{serverID: server.ID, keys: keys})
	return nil
}

type flakyStore struct {
	*state.Store
	failSaves int
}

func (f *flakyStore) Save(doc *state.Document) error {
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("disk full")
	}
	return f.Store.Save(doc)
}

func rowsWithKeys(keys ...int64) []source.Row {
	rows := make([]source.Row, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, source.Row{ID: key, EventType: "KILL"})
	}
	return rows
}

func testConfig(t *testing.T, serverIDs ...int) *config.Config {
	t.Helper()
	return config.NewConfig(
		config.WithPassword("pw"),
		config.WithSink("http://stats.example.com/api/sync", ""),
		config.WithEnabledServers(serverIDs...),
		config.WithBatchSize(2),
		config.WithMaxBatchesPerTick(10),
		config.WithSyncInterval(time.Minute),
		config.WithStateDir(t.TempDir()),
	)
}

func newTestUploader(t *testing.T, cfg *config.Config, reader *fakeReader, snk *fakeSink) *Uploader {
	t.Helper()
	u, err := New(cfg, WithSource(reader), WithSink(snk))
	require.NoError(t, err)
	return u
}

func TestBatchBoundary(t *testing.T) {
	// Batch size 2 with 5 pending rows: three fetch/deliver steps (2,2,1),
	// final cursor 14.
	reader := &fakeReader{rows: map[int][]source.Row{1: rowsWithKeys(10, 11, 12, 13, 14)}}
	snk := &fakeSink{}
	u := newTestUploader(t, testConfig(t, 1), reader, snk)

	summary := u.RunCycle(context.Background())
	require.True(t, summary.OK())
	require.Len(t, summary.Servers, 1)

	result := summary.Servers[0]
	assert.Equal(t, int64(5), result.Rows)
	assert.Equal(t, int64(3), result.Batches)
	assert.True(t, result.Advanced)
	assert.True(t, result.Drained)
	assert.Equal(t, int64(14), result.Cursor)

	require.Len(t, snk.deliveries, 3)
	assert.Equal(t, []int64{10, 11}, snk.deliveries[0].keys)
	assert.Equal(t, []int64{12, 13}, snk.deliveries[1].keys)
	assert.Equal(t, []int64{14}, snk.deliveries[2].keys)

	assert.Equal(t, int64(14), u.Document().Cursor(1))
}

func TestIdempotentSecondRun(t *testing.T) {
	reader := &fakeReader{rows: map[int][]source.Row{1: rowsWithKeys(10, 11, 12)}}
	snk := &fakeSink{}
	u := newTestUploader(t, testConfig(t, 1), reader, snk)

	require.True(t, u.RunCycle(context.Background()).OK())
	deliveriesAfterFirst := len(snk.deliveries)
	cursorAfterFirst := u.Document().Cursor(1)
	rowsAfterFirst := u.Document().Servers[1].TotalRows

	require.True(t, u.RunCycle(context.Background()).OK())
	assert.Equal(t, deliveriesAfterFirst, len(snk.deliveries), "no new rows means no new deliveries")
	assert.Equal(t, cursorAfterFirst, u.Document().Cursor(1))
	assert.Equal(t, rowsAfterFirst, u.Document().Servers[1].TotalRows)
}

func TestFailureIsolation(t *testing.T) {
	reader := &fakeReader{
		rows: map[int][]source.Row{
			1: rowsWithKeys(10),
			2: rowsWithKeys(20),
			3: rowsWithKeys(30),
		},
		failFor: map[int]error{2: source.ErrSourceUnavailable},
	}
	snk := &fakeSink{}
	u := newTestUploader(t, testConfig(t, 1, 2, 3), reader, snk)

	summary := u.RunCycle(context.Background())
	require.Len(t, summary.Servers, 3)
	assert.Equal(t, state.StatusPartial, summary.Status())

	assert.NoError(t, summary.Servers[0].Err)
	assert.ErrorIs(t, summary.Servers[1].Err, source.ErrSourceUnavailable)
	assert.NoError(t, summary.Servers[2].Err)

	assert.Equal(t, int64(10), u.Document().Cursor(1))
	assert.Zero(t, u.Document().Cursor(2), "failing server's cursor stays put")
	assert.Equal(t, int64(30), u.Document().Cursor(3))
	assert.Equal(t, state.StatusFailure, u.Document().Servers[2].LastStatus)
}

func TestDeliveryFailureLeavesCursorUntouched(t *testing.T) {
	reader := &fakeReader{rows: map[int][]source.Row{1: rowsWithKeys(10, 11)}}
	snk := &fakeSink{failFor: map[int]error{1: errors.New("HTTP 503")}}
	u := newTestUploader(t, testConfig(t, 1), reader, snk)

	summary := u.RunCycle(context.Background())
	assert.False(t, summary.OK())
	assert.Zero(t, u.Document().Cursor(1))

	// Next tick with a healthy sink re-delivers the same batch.
	snk.failFor = nil
	require.True(t, u.RunCycle(context.Background()).OK())
	require.Len(t, snk.deliveries, 1)
	assert.Equal(t, []int64{10, 11}, snk.deliveries[0].keys)
	assert.Equal(t, int64(11), u.Document().Cursor(1))
}

func TestStateWriteFailureMeansAtLeastOnceRedelivery(t *testing.T) {
	cfg := testConfig(t, 1)
	reader := &fakeReader{rows: map[int][]source.Row{1: rowsWithKeys(10, 11)}}
	snk := &fakeSink{}
	store := &flakyStore{Store: state.NewStore(cfg.StateDir), failSaves: 2}

	u, err := New(cfg, WithSource(reader), WithSink(snk), WithStore(store))
	require.NoError(t, err)

	// Sink acknowledged but the cursor could not be persisted: treated as
	// if delivery had not been confirmed.
	summary := u.RunCycle(context.Background())
	assert.False(t, summary.OK())
	require.Len(t, snk.deliveries, 1)
	assert.Zero(t, u.Document().Cursor(1))

	persisted, err := store.Store.Load()
	require.NoError(t, err)
	assert.Zero(t, persisted.Cursor(1))

	// Next run duplicates the batch; that is the documented contract.
	require.True(t, u.RunCycle(context.Background()).OK())
	require.Len(t, snk.deliveries, 2)
	assert.Equal(t, snk.deliveries[0].keys, snk.deliveries[1].keys)
	assert.Equal(t, int64(11), u.Document().Cursor(1))
}

func TestCursorMonotonicAcrossRuns(t *testing.T) {
	reader := &fakeReader{rows: map[int][]source.Row{1: rowsWithKeys(10, 11, 12)}}
	snk := &fakeSink{}
	u := newTestUploader(t, testConfig(t, 1), reader, snk)

	var previous int64
	for i := 0; i < 3; i++ {
		u.RunCycle(context.Background())
		current := u.Document().Cursor(1)
		assert.GreaterOrEqual(t, current, previous)
		previous = current

		// More rows appear between runs.
		reader.rows[1] = append(reader.rows[1], source.Row{ID: int64(20 + i), EventType: "KILL"})
	}
}

func TestDisabledServerIsSkippedEntirely(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.ServerNames = map[int]string{1: "Server-DE-01", 2: "Server-DE-02"}

	reader := &fakeReader{rows: map[int][]source.Row{
		1: rowsWithKeys(10),
		2: rowsWithKeys(20),
	}}
	snk := &fakeSink{}
	u := newTestUploader(t, cfg, reader, snk)

	summary := u.RunCycle(context.Background())
	require.Len(t, summary.Servers, 1, "disabled server must not appear in the run")
	assert.Equal(t, 1, summary.Servers[0].Server.ID)
	assert.NotContains(t, u.Document().Servers, 2, "disabled server must not touch state")
}

func TestSyncDisabledIsNoop(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.SyncEnabled = false

	reader := &fakeReader{rows: map[int][]source.Row{1: rowsWithKeys(10)}}
	snk := &fakeSink{}
	u := newTestUploader(t, cfg, reader, snk)

	summary := u.RunCycle(context.Background())
	assert.Empty(t, summary.Servers)
	assert.Zero(t, reader.fetches)
	assert.Empty(t, snk.deliveries)
}

func TestMaxBatchesPerTickBoundsOneServer(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.MaxBatchesPerTick = 2

	reader := &fakeReader{rows: map[int][]source.Row{1: rowsWithKeys(10, 11, 12, 13, 14, 15)}}
	snk := &fakeSink{}
	u := newTestUploader(t, cfg, reader, snk)

	summary := u.RunCycle(context.Background())
	require.True(t, summary.OK())

	result := summary.Servers[0]
	assert.Equal(t, int64(2), result.Batches)
	assert.Equal(t, int64(4), result.Rows)
	assert.False(t, result.Drained, "backlog remains for the next tick")
	assert.Equal(t, int64(13), u.Document().Cursor(1))
}

func TestResetSingleServer(t *testing.T) {
	reader := &fakeReader{rows: map[int][]source.Row{
		1: rowsWithKeys(10),
		2: rowsWithKeys(20),
	}}
	snk := &fakeSink{}
	u := newTestUploader(t, testConfig(t, 1, 2), reader, snk)

	require.True(t, u.RunCycle(context.Background()).OK())
	require.Equal(t, int64(10), u.Document().Cursor(1))

	require.NoError(t, u.Reset(1))
	assert.NotContains(t, u.Document().Servers, 1, "reset server reports no cursor")
	assert.Equal(t, int64(20), u.Document().Cursor(2), "other servers untouched")

	// The reset survives a restart.
	reloaded, err := state.NewStore(u.Config().StateDir).Load()
	require.NoError(t, err)
	assert.NotContains(t, reloaded.Servers, 1)
	assert.Equal(t, int64(20), reloaded.Cursor(2))
}

func TestCancellationStopsBetweenBatches(t *testing.T) {
	reader := &fakeReader{rows: map[int][]source.Row{1: rowsWithKeys(10, 11, 12, 13)}}
	snk := &fakeSink{}
	u := newTestUploader(t, testConfig(t, 1), reader, snk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := u.RunCycle(ctx)
	require.Len(t, summary.Servers, 1)
	assert.ErrorIs(t, summary.Servers[0].Err, context.Canceled)
	assert.Empty(t, snk.deliveries, "no new batch starts after cancellation")
}

func TestCorruptStateIsFatalAtStartup(t *testing.T) {
	cfg := testConfig(t, 1)
	store := state.NewStore(cfg.StateDir)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{broken"), 0o644))

	_, err := New(cfg, WithSource(&fakeReader{}), WithSink(&fakeSink{}))
	require.ErrorIs(t, err, state.ErrCorruptState)
}
