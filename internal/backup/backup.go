// Package backup keeps timestamped file copies of the mirror database with
// a bounded retention window.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultKeep = 20

// Manager copies the database file into a backup directory and prunes old
// copies. Snapshots happen between transactions, so a plain file copy is a
// consistent image.
type Manager struct {
	dbPath string
	dir    string
	keep   int
	log    logrus.FieldLogger

	now func() time.Time
}

// New returns a backup manager. keep <= 0 falls back to the default
// retention of 20 snapshots.
func New(dbPath, dir string, keep int, log logrus.FieldLogger) *Manager {
	if keep <= 0 {
		keep = defaultKeep
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		dbPath: dbPath,
		dir:    dir,
		keep:   keep,
		log:    log,
		now:    time.Now,
	}
}

// CreateSnapshot copies the database to "<label>_<timestamp>.db" in the
// backup directory and prunes snapshots beyond the retention window.
func (m *Manager) CreateSnapshot(label string) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	if _, err := os.Stat(m.dbPath); err != nil {
		return "", fmt.Errorf("database file not found: %w", err)
	}

	name := fmt.Sprintf("%s_%s.db", label, m.now().UTC().Format("20060102_150405"))
	dst := filepath.Join(m.dir, name)

	if err := copyFile(m.dbPath, dst); err != nil {
		return "", fmt.Errorf("failed to create snapshot: %w", err)
	}
	m.log.WithField("snapshot", name).Info("snapshot created")

	if err := m.prune(); err != nil {
		m.log.WithError(err).Warn("failed to prune old snapshots")
	}
	return dst, nil
}

// Restore replaces the database file with the named snapshot, taking a
// pre-restore snapshot of the current state first.
func (m *Manager) Restore(name string) error {
	src := filepath.Join(m.dir, name)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("snapshot %s not found: %w", name, err)
	}

	if _, err := os.Stat(m.dbPath); err == nil {
		if _, err := m.CreateSnapshot("pre_restore"); err != nil {
			return fmt.Errorf("failed to snapshot current state before restore: %w", err)
		}
	}

	if err := copyFile(src, m.dbPath); err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", name, err)
	}
	m.log.WithField("snapshot", name).Info("database restored from snapshot")
	return nil
}

// List returns snapshot file names, oldest first. Timestamped names sort
// chronologically.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list backup dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) prune() error {
	names, err := m.List()
	if err != nil {
		return err
	}
	if len(names) <= m.keep {
		return nil
	}
	for _, name := range names[:len(names)-m.keep] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return fmt.Errorf("failed to remove old snapshot %s: %w", name, err)
		}
		m.log.WithField("snapshot", name).Info("old snapshot removed")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
