package syncer

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Snapshotter hands off a pre-sync database snapshot; the backup package
// provides the real one.
type Snapshotter interface {
	CreateSnapshot(label string) (string, error)
}

// Run drives a full sync: optional pre-sync snapshot, staff, classes, then
// each class's students and parents. Stage failures are counted and logged,
// never fatal; the run always produces a report.
func (e *Engine) Run(ctx context.Context, snap Snapshotter) *Report {
	rep := &Report{StartedAt: e.now()}

	e.log.WithField("school_id", e.schoolID).Info("sync run started")

	if snap != nil {
		path, err := snap.CreateSnapshot("pre_sync")
		if err != nil {
			e.log.WithError(err).Warn("pre-sync snapshot failed, continuing")
		} else {
			e.log.WithField("path", path).Info("pre-sync snapshot created")
		}
	}

	staffStats, err := e.SyncStaff(ctx)
	rep.Staff = staffStats
	if err != nil {
		e.log.WithError(err).Error("staff sync failed")
	}

	classIDs, classStats, err := e.SyncClasses(ctx)
	rep.Classes = classStats
	if err != nil {
		e.log.WithError(err).Error("class sync failed")
	}

	for _, classID := range classIDs {
		cr, err := e.SyncStudents(ctx, classID)
		rep.Students.Add(cr.Students)
		rep.Parents.Add(cr.Parents)
		rep.LinksCreated += cr.LinksCreated
		if err != nil {
			rep.ClassesFailed++
			e.log.WithField("class_id", classID).WithError(err).Error("class students sync failed")
			continue
		}
		rep.ClassesFetched++
	}

	rep.CacheHits, rep.CacheMisses = e.api.CacheStats()
	rep.FinishedAt = e.now()

	e.log.WithFields(logrus.Fields{
		"staff_saved":    rep.Staff.Saved,
		"classes_saved":  rep.Classes.Saved,
		"students_saved": rep.Students.Saved,
		"parents_saved":  rep.Parents.Saved,
		"links_created":  rep.LinksCreated,
		"classes_failed": rep.ClassesFailed,
		"cache_hits":     rep.CacheHits,
		"duration":       rep.FinishedAt.Sub(rep.StartedAt),
	}).Info("sync run finished")

	return rep
}
