package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	pruneEvery = time.Minute
	syncEvery  = 5 * time.Second
)

type pruner interface {
	Prune(ctx context.Context) (int64, error)
}

type syncer interface {
	Sync() error
}

// housekeep drops expired ledger claims and flushes the journal until ctx
// is done. Either may be nil.
func housekeep(ctx context.Context, log zerolog.Logger, ledger pruner, journal syncer, prune, flush time.Duration) {
	var pruneC, flushC <-chan time.Time
	if ledger != nil {
		t := time.NewTicker(prune)
		defer t.Stop()
		pruneC = t.C
	}
	if journal != nil {
		t := time.NewTicker(flush)
		defer t.Stop()
		flushC = t.C
	}
	if pruneC == nil && flushC == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-pruneC:
			n, err := ledger.Prune(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("prune claim ledger")
				}
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("pruned expired claims")
			}
		case <-flushC:
			if err := journal.Sync(); err != nil {
				log.Warn().Err(err).Msg("flush journal")
			}
		}
	}
}
