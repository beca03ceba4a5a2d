// Package backup exports the complete history of a version as an xz
// compressed delta stream and imports such exports into a store.
package backup

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/i5heu/ouroboros-model/pkg/branch"
	"github.com/i5heu/ouroboros-model/pkg/deltastream"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

var log = logrus.New()

func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

// Export writes every object reachable from v to w and returns the number
// of objects written.
func Export(ctx context.Context, w io.Writer, s store.ObjectStore, v types.Hash) (int, error) {
	d, err := deltastream.Compute(ctx, s, v, "")
	if err != nil {
		return 0, err
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return 0, err
	}
	if err := deltastream.Encode(xw, d); err != nil {
		xw.Close()
		return 0, fmt.Errorf("backup: writing %s: %w", v, err)
	}
	if err := xw.Close(); err != nil {
		return 0, fmt.Errorf("backup: writing %s: %w", v, err)
	}
	return len(d.Objects), nil
}

// Import reads an export into s and returns the exported version. Nothing
// is stored when the export is truncated or corrupt.
func Import(ctx context.Context, r io.Reader, s store.ObjectStore) (types.Hash, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	d, err := deltastream.Decode(ctx, xr)
	if err != nil {
		return "", fmt.Errorf("backup: reading export: %w", err)
	}
	if err := deltastream.Apply(ctx, s, d); err != nil {
		return "", err
	}
	return d.Version, nil
}

// Status describes the last backup of a Manager.
type Status struct {
	LastBackup        time.Time
	LastBackupVersion types.Hash
	LastBackupSize    int64
	LastBackupObjects int
	BackupInProgress  bool
}

// Manager backs up and restores branches and tracks the last backup.
type Manager struct {
	mu     sync.Mutex
	status Status
	clock  func() time.Time
}

func NewManager() *Manager {
	return &Manager{clock: time.Now}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// BackupBranch exports the head of b.
func (m *Manager) BackupBranch(ctx context.Context, w io.Writer, b *branch.Branch) error {
	m.mu.Lock()
	if m.status.BackupInProgress {
		m.mu.Unlock()
		return fmt.Errorf("backup: a backup is already running")
	}
	m.status.BackupInProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.status.BackupInProgress = false
		m.mu.Unlock()
	}()

	head, err := b.HeadHash(ctx)
	if err != nil {
		return err
	}
	cw := &countingWriter{w: w}
	objects, err := Export(ctx, cw, b.Graph().Store(), head)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.status.LastBackup = m.clock()
	m.status.LastBackupVersion = head
	m.status.LastBackupSize = cw.n
	m.status.LastBackupObjects = objects
	m.mu.Unlock()
	log.WithFields(logrus.Fields{
		"branch":  b.Key(),
		"version": head.String(),
		"objects": objects,
		"bytes":   cw.n,
	}).Info("backed up branch")
	return nil
}

// RestoreBranch imports an export into the graph of cfg and merges the
// exported version into the branch, creating the branch at that version
// if it does not exist.
func (m *Manager) RestoreBranch(ctx context.Context, r io.Reader, cfg branch.Config) (*branch.CommitResult, error) {
	v, err := Import(ctx, r, cfg.Graph.Store())
	if err != nil {
		return nil, err
	}
	b, err := branch.OpenAt(ctx, cfg, v)
	if err != nil {
		return nil, err
	}
	result, err := b.MergeVersion(ctx, v)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"branch":  b.Key(),
		"version": v.String(),
		"head":    result.Version.Hash().String(),
	}).Info("restored branch")
	return result, nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
