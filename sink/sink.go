package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/popel1988/hllstatsuploader/config"
	"github.com/popel1988/hllstatsuploader/logger"
	"github.com/popel1988/hllstatsuploader/source"
)

// Client delivers batches to the external stats backend. Delivery is
// at-least-once: a retry after a lost acknowledgment duplicates the batch, and
// the backend is expected to deduplicate by (server id, row key).
type Client interface {
	Deliver(ctx context.Context, server config.ServerConfig, batch source.Batch) error
}

type client struct {
	cfg        *config.Config
	httpClient *http.Client
}

func NewClient(cfg *config.Config) Client {
	return &client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type payload struct {
	ServerID   string      `json:"server_id"`
	ServerName string      `json:"server_name"`
	Rows       []exportRow `json:"rows"`
}

type exportRow struct {
	EventTime      string `json:"event_time,omitempty"`
	Type           string `json:"type"`
	Weapon         string `json:"weapon,omitempty"`
	Player1SteamID string `json:"player1_steamid,omitempty"`
	Player2SteamID string `json:"player2_steamid,omitempty"`
	ServerName     string `json:"server_name"`
}

func (c *client) Deliver(ctx context.Context, server config.ServerConfig, batch source.Batch) error {
	if batch.Empty() {
		return nil
	}

	body, err := json.Marshal(buildPayload(c.cfg.ExternalServerID, server, batch))
	if err != nil {
		return fmt.Errorf("marshal batch for server %d: %w", server.ID, err)
	}

	return retry.Do(
		func() error {
			return c.send(ctx, body)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxRetries)),
		retry.RetryIf(Retryable),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return Backoff(n, c.cfg.RetryDelay)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("delivery failed, retrying",
				"server", server.ID,
				"attempt", n+1,
				"maxAttempts", c.cfg.MaxRetries,
				"error", err)
		}),
	)
}

func (c *client) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SinkURL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(&DeliveryError{Kind: KindPermanent, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.SinkAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.SinkAPIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	// Drain a bounded excerpt so the connection can be reused and errors
	// carry the backend's explanation.
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	dErr := ClassifyStatus(resp.StatusCode, string(excerpt))
	if dErr == nil {
		return nil
	}
	if dErr.Kind == KindPermanent {
		return retry.Unrecoverable(dErr)
	}
	return dErr
}

func buildPayload(externalID string, server config.ServerConfig, batch source.Batch) payload {
	p := payload{
		ServerID:   externalID,
		ServerName: server.Name,
		Rows:       make([]exportRow, 0, len(batch.Rows)),
	}
	for _, row := range batch.Rows {
		out := exportRow{
			Type:           row.EventType,
			Weapon:         row.Weapon,
			Player1SteamID: row.KillerSteamID,
			Player2SteamID: row.VictimSteamID,
			ServerName:     row.ServerName,
		}
		if !row.EventTime.IsZero() {
			out.EventTime = row.EventTime.UTC().Format(time.RFC3339)
		}
		p.Rows = append(p.Rows, out)
	}
	return p
}
