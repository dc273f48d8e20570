package selfimprove

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/logging"
)

// MaxRestartCount is the default restart budget (§4.J): a marker that
// has survived more restarts than this is forced to roll back rather
// than kept trying to validate.
const MaxRestartCount = 3

// ReconcileResult summarizes what the reconciler did on this boot.
type ReconcileResult struct {
	HadPending bool
	Marker     *model.ImprovementMarker
}

// Reconciler is StartupReconciler: it runs once, before any other
// subsystem starts, mirrored on the teacher's cmd/nebo/root.go RunAll
// ordering (data dir setup → single-instance lock → ... → agent start).
// The orchestrator's main() must call Reconcile before constructing
// ContinuationEngine, the task queue, or PeriodicChecker.
type Reconciler struct {
	projectPath string
	store       *Store
	git         GitOps
	validator   *Validator
	notify      NotificationSink
	now         func() time.Time
	onArchived  func(model.ImprovementMarker)
}

// NewReconciler creates a Reconciler sharing the same marker store a
// Driver uses, so it observes the marker left by the previous process.
func NewReconciler(projectPath string, store *Store, opts ...Option) *Reconciler {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Reconciler{
		projectPath: projectPath,
		store:       store,
		git:         cfg.git,
		validator:   NewValidator(),
		notify:      cfg.notify,
		now:         cfg.now,
		onArchived:  cfg.onArchived,
	}
}

func (r *Reconciler) archive(marker *model.ImprovementMarker) error {
	if err := r.store.Archive(marker); err != nil {
		return err
	}
	if r.onArchived != nil {
		r.onArchived(*marker)
	}
	return nil
}

// Reconcile never returns an error to the caller by design (§4.J:
// "StartupReconciler must never throw"): any unexpected failure is
// recorded into the marker and forces a rollback.
func (r *Reconciler) Reconcile(ctx context.Context) ReconcileResult {
	marker, err := r.store.Load()
	if err != nil {
		logging.Errorf("[selfimprove] failed to load marker, treating as none pending: %v", err)
		return ReconcileResult{HadPending: false}
	}
	if marker == nil {
		return ReconcileResult{HadPending: false}
	}

	marker.RestartCount++
	marker.UpdatedAt = r.now()
	if err := r.store.Save(marker); err != nil {
		logging.Errorf("[selfimprove] failed to persist restart count: %v", err)
	}

	if marker.RestartCount > MaxRestartCount {
		marker.Error = "too many restarts"
		r.forceRollback(ctx, marker, "too many restarts")
		return ReconcileResult{HadPending: true, Marker: marker}
	}

	r.dispatch(ctx, marker)
	return ReconcileResult{HadPending: true, Marker: marker}
}

func (r *Reconciler) dispatch(ctx context.Context, marker *model.ImprovementMarker) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Errorf("[selfimprove] panic during reconcile, forcing rollback: %v", rec)
			marker.Error = fmt.Sprintf("panic during reconcile: %v", rec)
			r.forceRollback(ctx, marker, "reconcile panic")
		}
	}()

	switch marker.Phase {
	case model.PhasePlanning, model.PhaseBackingUp:
		// No target-file mutation occurred yet; the plan never took
		// effect, so there's nothing to roll back.
		if err := r.store.Delete(); err != nil {
			logging.Errorf("[selfimprove] failed to delete stale marker: %v", err)
		}
		r.notifyResult(ctx, marker, "cancelled_no_mutation")

	case model.PhaseChangesApplied:
		r.runValidation(ctx, marker)

	case model.PhaseValidating:
		r.runValidation(ctx, marker)

	case model.PhaseRollingBack:
		if err := rollback(r.git, r.projectPath, marker, "resumed rollback", r.now); err != nil {
			logging.Errorf("[selfimprove] rollback failed: %v", err)
			marker.Error = err.Error()
		}
		r.completeFailure(ctx, marker)

	case model.PhaseRolledBack:
		r.completeFailure(ctx, marker)

	case model.PhaseComplete:
		if err := r.store.Delete(); err != nil {
			logging.Errorf("[selfimprove] failed to delete stale complete marker: %v", err)
		}

	default:
		logging.Errorf("[selfimprove] unknown marker phase %q, forcing rollback", marker.Phase)
		r.forceRollback(ctx, marker, fmt.Sprintf("unknown phase %q", marker.Phase))
	}
}

func (r *Reconciler) runValidation(ctx context.Context, marker *model.ImprovementMarker) {
	marker.Phase = model.PhaseValidating
	if marker.Validation.StartedAt == nil {
		started := r.now()
		marker.Validation.StartedAt = &started
	}
	marker.UpdatedAt = r.now()
	if err := r.store.Save(marker); err != nil {
		logging.Errorf("[selfimprove] failed to persist validating phase: %v", err)
	}

	passed, err := r.validator.Run(ctx, r.projectPath, marker)
	completed := r.now()
	marker.Validation.CompletedAt = &completed

	if err != nil {
		marker.Error = err.Error()
		r.forceRollback(ctx, marker, "validation error: "+err.Error())
		return
	}
	if !passed {
		r.forceRollback(ctx, marker, "validation failed")
		return
	}

	marker.Phase = model.PhaseComplete
	marker.UpdatedAt = r.now()
	if err := r.archive(marker); err != nil {
		logging.Errorf("[selfimprove] failed to archive completed marker: %v", err)
	}
	r.notifyResult(ctx, marker, "completed")
}

func (r *Reconciler) forceRollback(ctx context.Context, marker *model.ImprovementMarker, reason string) {
	if err := rollback(r.git, r.projectPath, marker, reason, r.now); err != nil {
		logging.Errorf("[selfimprove] forced rollback encountered an error: %v", err)
		marker.Error = err.Error()
	}
	r.completeFailure(ctx, marker)
}

func (r *Reconciler) completeFailure(ctx context.Context, marker *model.ImprovementMarker) {
	marker.Phase = model.PhaseComplete
	marker.UpdatedAt = r.now()
	if err := r.archive(marker); err != nil {
		logging.Errorf("[selfimprove] failed to archive rolled-back marker: %v", err)
	}
	r.notifyResult(ctx, marker, "rolled_back: "+marker.Rollback.Reason)
}

func (r *Reconciler) notifyResult(ctx context.Context, marker *model.ImprovementMarker, reason string) {
	if r.notify == nil {
		return
	}
	n := model.Notification{
		ID:        uuid.NewString(),
		Type:      model.NotifySelfImprove,
		Reason:    fmt.Sprintf("%s: %s", reason, marker.Description),
		Timestamp: r.now(),
	}
	if err := r.notify.Notify(ctx, n); err != nil {
		logging.Errorf("[selfimprove] notify failed: %v", err)
	}
}
