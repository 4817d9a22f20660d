// Package uploader implements the incremental export engine: it drains new
// rows from the CRCON database per configured server, delivers them to the
// external stats backend, and advances a durable per-server cursor only after
// the sink has acknowledged delivery.
package uploader

import (
	"context"
	"fmt"

	"github.com/popel1988/hllstatsuploader/config"
	"github.com/popel1988/hllstatsuploader/logger"
	"github.com/popel1988/hllstatsuploader/sink"
	"github.com/popel1988/hllstatsuploader/source"
	"github.com/popel1988/hllstatsuploader/state"
)

// StateStore is the persistence surface the engine needs. *state.Store is the
// production implementation.
type StateStore interface {
	Load() (*state.Document, error)
	Save(doc *state.Document) error
}

type Uploader struct {
	cfg    *config.Config
	source source.Reader
	sink   sink.Client
	store  StateStore

	// doc always reflects the last successfully persisted document.
	doc *state.Document
}

type Option func(*Uploader)

// WithSource replaces the database reader, mainly for tests and embedding.
func WithSource(r source.Reader) Option {
	return func(u *Uploader) { u.source = r }
}

func WithSink(c sink.Client) Option {
	return func(u *Uploader) { u.sink = c }
}

func WithStore(s StateStore) Option {
	return func(u *Uploader) { u.store = s }
}

func New(cfg *config.Config, opts ...Option) (*Uploader, error) {
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	u := &Uploader{cfg: cfg}
	for _, opt := range opts {
		opt(u)
	}

	if u.source == nil {
		u.source = source.NewReader(cfg)
	}
	if u.sink == nil {
		u.sink = sink.NewClient(cfg)
	}
	if u.store == nil {
		u.store = state.NewStore(cfg.StateDir)
	}

	doc, err := u.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	u.doc = doc

	return u, nil
}

func (u *Uploader) Config() *config.Config {
	return u.cfg
}

// Document returns the last persisted state, never an in-flight value.
func (u *Uploader) Document() *state.Document {
	return u.doc
}

// TestConnection checks source reachability without touching cursors.
func (u *Uploader) TestConnection(ctx context.Context) error {
	return u.source.TestConnection(ctx)
}

// Reset clears the cursor and counters for one server. The next run exports
// that server from the beginning.
func (u *Uploader) Reset(serverID int) error {
	updated := u.doc.Clone()
	updated.ResetServer(serverID)
	if err := u.store.Save(updated); err != nil {
		return err
	}
	u.doc = updated
	logger.Warn("cursor reset, next export starts from the beginning", "server", serverID)
	return nil
}

// ResetAll clears every cursor and all counters.
func (u *Uploader) ResetAll() error {
	updated := u.doc.Clone()
	updated.ResetAll()
	if err := u.store.Save(updated); err != nil {
		return err
	}
	u.doc = updated
	logger.Warn("all cursors reset, next export sends everything from the beginning")
	return nil
}
