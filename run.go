package uploader

import (
	"context"
	"time"

	"github.com/popel1988/hllstatsuploader/config"
	"github.com/popel1988/hllstatsuploader/logger"
	"github.com/popel1988/hllstatsuploader/state"
)

// RunCycle performs one full pass over all configured servers. Servers are
// processed sequentially and independently: a failing server is recorded in
// the summary and never blocks the others.
func (u *Uploader) RunCycle(ctx context.Context) *RunSummary {
	summary := &RunSummary{StartedAt: time.Now().UTC()}

	if !u.cfg.SyncEnabled {
		logger.Info("sync is disabled, skipping run")
		return summary
	}

	for _, server := range u.cfg.Servers() {
		if !server.Enabled {
			logger.Debug("server disabled, skipping", "server", server.ID, "name", server.Name)
			continue
		}

		result := u.syncServer(ctx, server)
		summary.Servers = append(summary.Servers, result)
		u.recordServerRun(server.ID, result)

		if result.Err != nil {
			logger.Error("server cycle failed",
				"server", server.ID,
				"name", server.Name,
				"rows", result.Rows,
				"batches", result.Batches,
				"cursor", result.Cursor,
				"error", result.Err)
		} else {
			logger.Info("server cycle complete",
				"server", server.ID,
				"name", server.Name,
				"rows", result.Rows,
				"batches", result.Batches,
				"cursor", result.Cursor,
				"drained", result.Drained)
		}
	}

	summary.Duration = time.Since(summary.StartedAt)
	u.recordRun(summary)

	logger.Info("run complete",
		"status", summary.Status(),
		"rows", summary.TotalRows(),
		"servers", len(summary.Servers),
		"duration", summary.Duration.Round(time.Millisecond))
	return summary
}

// syncServer drains one server: fetch after the cursor, deliver, persist the
// advanced cursor, repeat until the backlog is empty or the per-tick batch
// limit is reached. The cursor moves only after the sink acknowledged the
// batch AND the new document hit the disk; anything else leaves it where the
// last run put it.
func (u *Uploader) syncServer(ctx context.Context, server config.ServerConfig) ServerResult {
	cursor := u.doc.Cursor(server.ID)
	result := ServerResult{Server: server, Cursor: cursor}

	for batches := 0; batches < u.cfg.MaxBatchesPerTick; batches++ {
		// Shutdown is only honored between batches; an in-flight delivery
		// always runs to completion.
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		default:
		}

		batch, err := u.source.FetchBatch(ctx, server, cursor, u.cfg.BatchSize)
		if err != nil {
			result.Err = err
			return result
		}
		if batch.Empty() {
			result.Drained = true
			return result
		}

		if err := u.sink.Deliver(ctx, server, batch); err != nil {
			result.Err = err
			return result
		}

		next := batch.MaxKey()
		updated := u.doc.Clone()
		updated.SetCursor(server.ID, next)
		updated.AddDelivered(server.ID, int64(len(batch.Rows)))
		if err := u.store.Save(updated); err != nil {
			// Advancement is unconfirmed; the batch will be re-delivered
			// next tick, which the at-least-once contract allows.
			result.Err = err
			return result
		}
		u.doc = updated

		cursor = next
		result.Cursor = next
		result.Advanced = true
		result.Rows += int64(len(batch.Rows))
		result.Batches++
	}

	logger.Warn("batch limit reached, remaining backlog deferred to next tick",
		"server", server.ID, "cursor", cursor, "limit", u.cfg.MaxBatchesPerTick)
	return result
}

func (u *Uploader) recordServerRun(serverID int, result ServerResult) {
	status := state.StatusSuccess
	errMsg := ""
	if result.Err != nil {
		status = state.StatusFailure
		errMsg = result.Err.Error()
	}

	updated := u.doc.Clone()
	updated.RecordServerRun(serverID, time.Now().UTC(), status, errMsg)
	if err := u.store.Save(updated); err != nil {
		// Cursors are already durable; losing run metadata is not fatal.
		logger.Warn("failed to persist server run metadata", "server", serverID, "error", err)
		return
	}
	u.doc = updated
}

func (u *Uploader) recordRun(summary *RunSummary) {
	updated := u.doc.Clone()
	updated.RecordRun(time.Now().UTC(), summary.Status())
	if err := u.store.Save(updated); err != nil {
		logger.Warn("failed to persist run metadata", "error", err)
		return
	}
	u.doc = updated
}
