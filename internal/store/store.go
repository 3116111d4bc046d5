// Package store persists lot ledgers. Every backend retrieves entries in
// insertion order (Seq) and appends conditionally on the lot's tail.
package store

import (
	"context"
	"fmt"

	"github.com/parkaudit/parkaudit/pkg/config"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/model"
)

// Store is the persistence contract shared by all backends.
type Store interface {
	// Tail returns the latest entry of lotID, or nil when the lot is empty.
	Tail(ctx context.Context, lotID string) (*model.LedgerEntry, error)

	// Append stores entry if entry.PreviousHash equals the lot's current
	// tail hash (GenesisHash for an empty lot) and sets entry.Seq.
	// Otherwise it returns errclass.ErrChainConflict and stores nothing.
	Append(ctx context.Context, entry *model.LedgerEntry) error

	// Entries returns every entry of lotID ordered by Seq.
	Entries(ctx context.Context, lotID string) ([]model.LedgerEntry, error)

	// Get returns the entry with the given ID or errclass.ErrEntryNotFound.
	Get(ctx context.Context, id string) (*model.LedgerEntry, error)

	// Lots returns every lot ID with at least one entry, sorted.
	Lots(ctx context.Context) ([]string, error)

	// Enrich attaches enrichment fields to an exit entry. Hashed fields are
	// never touched.
	Enrich(ctx context.Context, id string, en model.Enrichment) error

	Close() error
}

// Open opens the backend selected by cfg.Store.
func Open(cfg *config.Config, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithFields(map[string]any{"component": "store", "backend": string(cfg.Store.Backend)})

	switch cfg.Store.Backend {
	case config.BackendFile:
		return OpenFile(cfg.StorePath())
	case config.BackendBadger:
		return OpenBadger(cfg.StorePath(), logger)
	case config.BackendSQLite:
		return OpenSQLite(cfg.StorePath(), logger)
	case config.BackendPostgres:
		return OpenPostgres(cfg.Store.DSN, logger)
	default:
		return nil, errclass.ErrBackendUnsupported.WithMessagef("unknown store backend %q", cfg.Store.Backend)
	}
}

// checkLink enforces the compare-and-append rule against the current tail.
func checkLink(tail *model.LedgerEntry, entry *model.LedgerEntry) error {
	want := model.GenesisHash
	if tail != nil {
		want = tail.Hash
	}
	if entry.PreviousHash != want {
		return errclass.ErrChainConflict.WithMessagef("lot %s: tail is %s, entry links to %s",
			entry.LotID, want.Short(), entry.PreviousHash.Short())
	}
	return nil
}

// checkEnrich rejects enrichment of anything but an exit entry.
func checkEnrich(e *model.LedgerEntry, en model.Enrichment) error {
	if e.Action != model.ActionExit {
		return errclass.ErrEnrichRejected.WithMessagef("entry %s is an %s event; only exits are enriched", e.ID, e.Action)
	}
	return en.Validate()
}

func unavailable(op string, err error) error {
	return errclass.ErrStoreUnavailable.WithMessagef("%s: %v", op, err)
}

func notFound(id string) error {
	return errclass.ErrEntryNotFound.WithMessagef("entry %s", id)
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
