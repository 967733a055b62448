// Package syncer turns paginated directory fetches into a consistent
// active/inactive local mirror: upserts on sighting, deactivation on
// absence from a completed fetch, relations rebuilt per record.
package syncer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edtools/schoolsync/internal/identity"
	"github.com/edtools/schoolsync/internal/mosapi"
	"github.com/edtools/schoolsync/internal/store"
)

// Stats counts the outcomes of one sync stage.
type Stats struct {
	Loaded      int
	Saved       int
	Skipped     int
	NoUserID    int
	Duplicates  int
	Errors      int
	Deactivated int64
}

// Add folds another stage's counters in.
func (s *Stats) Add(o Stats) {
	s.Loaded += o.Loaded
	s.Saved += o.Saved
	s.Skipped += o.Skipped
	s.NoUserID += o.NoUserID
	s.Duplicates += o.Duplicates
	s.Errors += o.Errors
	s.Deactivated += o.Deactivated
}

// ClassReport is the outcome of syncing one class's students and parents.
type ClassReport struct {
	Students     Stats
	Parents      Stats
	LinksCreated int
}

// Report aggregates a full run.
type Report struct {
	Staff    Stats
	Classes  Stats
	Students Stats
	Parents  Stats

	LinksCreated   int
	ClassesFetched int
	ClassesFailed  int

	CacheHits   int
	CacheMisses int

	StartedAt  time.Time
	FinishedAt time.Time
}

// IdentityResolver is the slice of identity.Resolver the engine needs;
// tests substitute a stub.
type IdentityResolver interface {
	Resolve(ctx context.Context, ref identity.Ref) identity.Result
}

// Engine reconciles remote directory records against the local store. All
// work is strictly sequential; pacing between requests is the rate-control
// mechanism, so nothing here may be parallelized.
type Engine struct {
	store    *store.Store
	api      *mosapi.Client
	ids      IdentityResolver
	schoolID int64
	log      logrus.FieldLogger

	now   func() time.Time
	sleep func(time.Duration)
}

// NewEngine builds a sync engine over an opened store and API client.
func NewEngine(st *store.Store, api *mosapi.Client, ids IdentityResolver, schoolID int64, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		store:    st,
		api:      api,
		ids:      ids,
		schoolID: schoolID,
		log:      log,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// firstNonEmpty implements the merge rule for sighting updates: a sparse
// remote payload never regresses a populated local field.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveIdentity looks up the external identity for a ref, best-effort.
// Unresolved is not an error; it returns empty id and whatever link is known.
func (e *Engine) resolveIdentity(ctx context.Context, ref identity.Ref) (extID, extLink string) {
	if e.ids == nil {
		return "", ""
	}
	res := e.ids.Resolve(ctx, ref)
	return res.ExternalID, res.Link
}
