// Package dedupe adapts the external dedup-advice index (UDS) — out of
// scope as a body per §1 — into the three fire-and-forget operations the
// core consumes: post, query, update (C9, §4.9).
package dedupe

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vdo-project/vdocore/block"
)

// IndexClient is the narrow interface to the external advice index.
type IndexClient interface {
	Post(ctx context.Context, name block.Fingerprint, loc block.Location) error
	Query(ctx context.Context, name block.Fingerprint) (block.Location, bool, error)
	Update(ctx context.Context, name block.Fingerprint, loc block.Location) error
}

// Adapter implements the bounded-timeout, fire-and-forget dedup-advice
// contract in front of an IndexClient.
type Adapter struct {
	client       IndexClient
	queryTimeout time.Duration
	postTimeout  time.Duration
	log          *zap.Logger
	group        singleflight.Group
}

// New builds an Adapter. queryTimeout bounds Query; postTimeout bounds
// Post/Update.
func New(client IndexClient, queryTimeout, postTimeout time.Duration, log *zap.Logger) *Adapter {
	return &Adapter{client: client, queryTimeout: queryTimeout, postTimeout: postTimeout, log: log}
}

type queryResult struct {
	loc   block.Location
	found bool
}

// Query asks the index for a candidate PBN for name. A query that times
// out returns "no advice" rather than an error (§4.9); a transport error
// short of the deadline is retried with bounded backoff, since a transient
// connection failure may still resolve inside the query budget — see
// DESIGN.md for why this splits from the timeout case.
//
// Concurrent Query calls for the same fingerprint on one Adapter are
// collapsed into a single outbound round trip via singleflight. The engine
// routes each fingerprint to exactly one hash zone, whose hash lock already
// serializes its queries, so under that wiring the collapse does not occur.
func (a *Adapter) Query(ctx context.Context, name block.Fingerprint) (block.Location, bool) {
	qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	v, err, _ := a.group.Do(name.String(), func() (any, error) {
		var result queryResult
		op := func() error {
			loc, found, err := a.client.Query(qctx, name)
			if err != nil {
				if qctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}
			result = queryResult{loc: loc, found: found}
			return nil
		}
		// Scale the first retry interval to the query budget so that more
		// than one attempt fits inside it.
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = a.queryTimeout / 10
		eb.Reset()
		bo := backoff.WithContext(eb, qctx)
		if err := backoff.Retry(op, bo); err != nil {
			return queryResult{}, err
		}
		return result, nil
	})
	if err != nil {
		a.log.Debug("dedup advice query returned no advice", zap.String("fingerprint", name.String()), zap.Error(err))
		return block.Location{}, false
	}
	r := v.(queryResult)
	return r.loc, r.found
}

// Post records a new (pbn, fingerprint) advice entry. It is fire-and-
// forget: a failure is logged but never propagated to the write path,
// since advice is a hint, not a durability requirement.
func (a *Adapter) Post(ctx context.Context, name block.Fingerprint, loc block.Location) {
	pctx, cancel := context.WithTimeout(ctx, a.postTimeout)
	defer cancel()
	if err := a.client.Post(pctx, name, loc); err != nil {
		a.log.Debug("dedup advice post failed", zap.String("fingerprint", name.String()), zap.Error(err))
	}
}

// Update refreshes existing advice for name, also fire-and-forget.
func (a *Adapter) Update(ctx context.Context, name block.Fingerprint, loc block.Location) {
	uctx, cancel := context.WithTimeout(ctx, a.postTimeout)
	defer cancel()
	if err := a.client.Update(uctx, name, loc); err != nil {
		a.log.Debug("dedup advice update failed", zap.String("fingerprint", name.String()), zap.Error(err))
	}
}
