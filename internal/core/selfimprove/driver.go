package selfimprove

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewlyhq/crewly/internal/core/errs"
	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/logging"
)

// NotificationSink delivers a self-improvement notification (completion,
// cancellation, rollback) to whatever surfaces it to the owner.
type NotificationSink interface {
	Notify(ctx context.Context, n model.Notification) error
}

// PlanInput is the input to Driver.Plan.
type PlanInput struct {
	Description string
	TargetFiles []string
	Changes     []model.Change
}

// Driver is the single RPC surface named in §4.J: plan, execute,
// cancel, status, history.
type Driver struct {
	projectPath string
	store       *Store
	git         GitOps
	notify      NotificationSink
	now         func() time.Time

	mu sync.Mutex
}

// config holds the fields Option can override; both Driver and
// Reconciler build one from the same options so the two share wiring
// (git backend, notification sink, clock) without Reconciler needing
// to reach into Driver's internals.
type config struct {
	git        GitOps
	notify     NotificationSink
	now        func() time.Time
	onArchived func(model.ImprovementMarker)
}

func defaultConfig() config {
	return config{git: NewGitOps(), now: time.Now}
}

// Option configures a Driver or Reconciler.
type Option func(*config)

// WithGitOps overrides the production go-git implementation (for tests).
func WithGitOps(g GitOps) Option {
	return func(c *config) { c.git = g }
}

// WithNotificationSink wires a sink for completion/cancellation/rollback
// notifications.
func WithNotificationSink(n NotificationSink) Option {
	return func(c *config) { c.notify = n }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithArchiveIndexer registers a callback invoked after a marker is
// archived to selfimprove.Store's JSON history, e.g. to also index it
// into a queryable store (store.MarkerHistoryIndex). Optional.
func WithArchiveIndexer(fn func(model.ImprovementMarker)) Option {
	return func(c *config) { c.onArchived = fn }
}

// NewDriver creates a Driver rooted at projectPath, persisting marker
// state under markerDir.
func NewDriver(projectPath, markerDir string, opts ...Option) *Driver {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Driver{
		projectPath: projectPath,
		store:       NewStore(markerDir),
		git:         cfg.git,
		notify:      cfg.notify,
		now:         cfg.now,
	}
}

// Plan creates a new marker in PhasePlanning. Effects step 4: no files
// are touched.
func (d *Driver) Plan(ctx context.Context, in PlanInput) (*model.ImprovementMarker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.store.Load()
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Phase != model.PhaseComplete {
		return nil, fmt.Errorf("%w: marker %s already active in phase %s", errs.ErrMarkerConflict, existing.ID, existing.Phase)
	}

	marker := &model.ImprovementMarker{
		ID:              uuid.NewString(),
		Description:     in.Description,
		Phase:           model.PhasePlanning,
		RestartCount:    0,
		RiskLevel:       ComputeRiskLevel(in.TargetFiles),
		RequiresRestart: ComputeRequiresRestart(in.TargetFiles),
		TargetFiles:     in.TargetFiles,
		Changes:         in.Changes,
		Validation:      model.Validation{Required: DefaultValidationChecks},
		CreatedAt:       d.now(),
		UpdatedAt:       d.now(),
	}
	if err := d.store.Save(marker); err != nil {
		return nil, err
	}
	return marker, nil
}

// Execute runs the plan → backing_up → changes_applied transition.
// Validation is deliberately not run here (§4.J step 7): the process is
// expected to restart, and StartupReconciler picks up from
// changes_applied on the next boot.
func (d *Driver) Execute(ctx context.Context) (*model.ImprovementMarker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	marker, err := d.store.Load()
	if err != nil {
		return nil, err
	}
	if marker == nil || marker.Phase != model.PhasePlanning {
		return nil, fmt.Errorf("%w: execute requires a marker in planning", errs.ErrMarkerConflict)
	}

	marker.Phase = model.PhaseBackingUp
	marker.UpdatedAt = d.now()

	if commit, branch, ok := d.git.Checkpoint(d.projectPath); ok {
		marker.Backup = &model.Backup{GitCommit: commit, GitBranch: branch, CreatedAt: d.now()}
	} else {
		marker.Backup = &model.Backup{CreatedAt: d.now()}
	}

	backupDir := backupDirFor(d.store, marker.ID)
	files, err := backupFiles(d.projectPath, backupDir, marker.TargetFiles)
	if err != nil {
		return nil, fmt.Errorf("backup target files: %w", err)
	}
	marker.Backup.Files = files

	// Critical ordering: backup persisted strictly before any mutation.
	if err := d.store.Save(marker); err != nil {
		return nil, fmt.Errorf("persist backup before mutating: %w", err)
	}

	for i := range marker.Changes {
		if err := applyChange(d.projectPath, marker.Changes[i]); err != nil {
			return nil, fmt.Errorf("apply change to %s: %w", marker.Changes[i].File, err)
		}
		marker.Changes[i].Applied = true
	}

	marker.Phase = model.PhaseChangesApplied
	marker.UpdatedAt = d.now()
	if err := d.store.Save(marker); err != nil {
		return nil, fmt.Errorf("persist changes_applied: %w", err)
	}
	return marker, nil
}

// Cancel removes a marker that has not yet mutated any target file
// (phase planning or backing_up).
func (d *Driver) Cancel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	marker, err := d.store.Load()
	if err != nil {
		return err
	}
	if marker == nil {
		return nil
	}
	if marker.Phase != model.PhasePlanning && marker.Phase != model.PhaseBackingUp {
		return fmt.Errorf("%w: cannot cancel marker in phase %s", errs.ErrMarkerConflict, marker.Phase)
	}
	if err := d.store.Delete(); err != nil {
		return err
	}
	d.notifyResult(ctx, marker, "cancelled")
	return nil
}

// Status returns the current marker, or nil if none is active.
func (d *Driver) Status(ctx context.Context) (*model.ImprovementMarker, error) {
	return d.store.Load()
}

// History returns completed markers, most recent first.
func (d *Driver) History(ctx context.Context) ([]model.ImprovementMarker, error) {
	return d.store.History()
}

func (d *Driver) notifyResult(ctx context.Context, marker *model.ImprovementMarker, reason string) {
	if d.notify == nil {
		return
	}
	n := model.Notification{
		ID:        uuid.NewString(),
		Type:      model.NotifySelfImprove,
		Reason:    fmt.Sprintf("%s: %s", reason, marker.Description),
		Timestamp: d.now(),
	}
	if err := d.notify.Notify(ctx, n); err != nil {
		logging.Errorf("[selfimprove] notify failed: %v", err)
	}
}

func backupDirFor(s *Store, markerID string) string {
	return filepath.Join(s.dir, "backups", markerID)
}
