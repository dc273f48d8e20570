package selfimprove

import (
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// rollback executes §4.J's rollback algorithm against an in-flight
// marker, mutating it in place: transition to rolling_back, attempt a
// git hard-reset to the recorded checkpoint, fall back to per-file
// restore when git is unavailable or fails, then transition to
// rolled_back.
func rollback(git GitOps, projectPath string, marker *model.ImprovementMarker, reason string, now func() time.Time) error {
	marker.Phase = model.PhaseRollingBack
	marker.Rollback = &model.Rollback{Reason: reason, StartedAt: now()}
	marker.UpdatedAt = now()

	gitReset := false
	if marker.Backup != nil && marker.Backup.GitCommit != "" {
		gitReset = git.ResetHard(projectPath, marker.Backup.GitCommit)
	}

	var restored []string
	if !gitReset && marker.Backup != nil {
		files, err := restoreFiles(projectPath, marker.Backup.Files)
		restored = files
		if err != nil {
			return err
		}
	}

	completed := now()
	marker.Rollback.CompletedAt = &completed
	marker.Rollback.FilesRestored = restored
	marker.Rollback.GitReset = gitReset
	marker.Phase = model.PhaseRolledBack
	marker.UpdatedAt = now()
	return nil
}
