package draft

import (
	"context"
	"log/slog"

	"github.com/rendis/draftflow/internal/session"
)

// BackupStore snapshots the session before a destructive trial action and
// restores it afterwards. At most one snapshot exists at a time.
type BackupStore struct {
	sess   *session.Session
	syncer *Syncer
	logger *slog.Logger
}

// NewBackupStore creates a BackupStore sharing the session's syncer.
func NewBackupStore(sess *session.Session, syncer *Syncer, logger *slog.Logger) *BackupStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupStore{sess: sess, syncer: syncer, logger: logger}
}

// Backup captures {graph, environment variables} and triggers one sync so
// the server-side draft reflects the state being backed up before the trial
// mutates it. Idempotent: a call while a snapshot is pending does nothing.
func (b *BackupStore) Backup(ctx context.Context) error {
	captured := b.sess.TakeBackupIfAbsent(session.Backup{
		Graph:                b.sess.Graph(),
		EnvironmentVariables: b.sess.EnvironmentVariables(),
	})
	if !captured {
		return nil
	}
	return b.syncer.Sync(ctx, Options{})
}

// Restore pushes the pending snapshot back into the session and clears it.
// No-op when no snapshot exists.
func (b *BackupStore) Restore() {
	backup := b.sess.ConsumeBackup()
	if backup == nil {
		return
	}
	b.sess.SetGraph(backup.Graph)
	b.sess.SetEnvironmentVariables(backup.EnvironmentVariables)
	b.logger.Debug("draft backup restored",
		slog.String("pipeline_id", b.sess.PipelineID()),
	)
}
