package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"meterline/internal/domain"
	"meterline/internal/events"
	"meterline/internal/repo"
	"meterline/internal/status"
)

// Assign creates the round's single active assignment. The uniqueness check
// and the insert run under the round's lock so two concurrent calls cannot
// both succeed.
func (e *Engine) Assign(ctx context.Context, roundID, agentID, assignedBy string) (domain.Assignment, error) {
	if agentID == "" {
		return domain.Assignment{}, errors.New("agent is required")
	}
	release, err := e.lock(ctx, status.KindRound, roundID)
	if err != nil {
		return domain.Assignment{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	a, err := func() (domain.Assignment, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Assignment{}, err
		}
		defer tx.Rollback()
		rd, err := e.Repo.GetRoundTx(ctx, tx, roundID)
		if err != nil {
			return domain.Assignment{}, err
		}
		active, err := e.Repo.ActiveAssignmentForRound(ctx, tx, rd.ID)
		if err == nil {
			return domain.Assignment{}, &ConflictError{
				Kind:       status.KindAssignment,
				EntityID:   rd.ID,
				ConflictID: active.ID,
				Message:    "round already has an active assignment for agent " + active.AgentID,
			}
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Assignment{}, err
		}
		a := domain.Assignment{
			ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(rd.ID+"|assignment|"+agentID+"|"+now)).String(),
			RoundID:     rd.ID,
			AgentID:     agentID,
			AssignedBy:  assignedBy,
			Status:      domain.AssignmentAssigned,
			AssignedAt:  now,
			TotalMeters: rd.TotalMeters,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
			return domain.Assignment{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeAssignmentCreated, rd.AgencyCode, string(status.KindAssignment), a.ID, assignedBy,
			events.EventPayload{"round_id": rd.ID, "agent_id": agentID, "status": a.Status}); err != nil {
			return domain.Assignment{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Assignment{}, err
		}
		return a, nil
	}()
	if err != nil {
		return domain.Assignment{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return a, nil
}

// AssignmentOptions carry the optional field detail of start/finish calls.
type AssignmentOptions struct {
	Latitude     *float64
	Longitude    *float64
	Observations string
	Reason       string
	ActorID      string
}

func (e *Engine) StartAssignment(ctx context.Context, id string, opts AssignmentOptions) (domain.Assignment, error) {
	return e.transitionAssignment(ctx, id, status.EvStart, opts)
}

func (e *Engine) PauseAssignment(ctx context.Context, id string, opts AssignmentOptions) (domain.Assignment, error) {
	return e.transitionAssignment(ctx, id, status.EvPause, opts)
}

func (e *Engine) ResumeAssignment(ctx context.Context, id string, opts AssignmentOptions) (domain.Assignment, error) {
	return e.transitionAssignment(ctx, id, status.EvResume, opts)
}

// FinishAssignment freezes the round aggregate into the assignment. Later
// reads of the same meters do not change a finished snapshot.
func (e *Engine) FinishAssignment(ctx context.Context, id string, opts AssignmentOptions) (domain.Assignment, error) {
	return e.transitionAssignment(ctx, id, status.EvFinish, opts)
}

func (e *Engine) CancelAssignment(ctx context.Context, id, reason string, opts AssignmentOptions) (domain.Assignment, error) {
	opts.Reason = reason
	return e.transitionAssignment(ctx, id, status.EvCancel, opts)
}

func (e *Engine) ValidateAssignment(ctx context.Context, id string, opts AssignmentOptions) (domain.Assignment, error) {
	return e.transitionAssignment(ctx, id, status.EvValidate, opts)
}

func (e *Engine) transitionAssignment(ctx context.Context, id string, ev status.Event, opts AssignmentOptions) (domain.Assignment, error) {
	release, err := e.lock(ctx, status.KindAssignment, id)
	if err != nil {
		return domain.Assignment{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	a, err := func() (domain.Assignment, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Assignment{}, err
		}
		defer tx.Rollback()
		a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
		if err != nil {
			return domain.Assignment{}, err
		}
		next, err := status.Apply(status.KindAssignment, a.Status, ev)
		if err != nil {
			return domain.Assignment{}, err
		}
		if ev == status.EvStart {
			// At most one in-flight field visit per round, even across agents.
			active, err := e.Repo.ActiveAssignmentForRound(ctx, tx, a.RoundID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return domain.Assignment{}, err
			}
			if err == nil && active.ID != a.ID {
				return domain.Assignment{}, &ConflictError{
					Kind:       status.KindAssignment,
					EntityID:   a.RoundID,
					ConflictID: active.ID,
					Message:    "another assignment is active on this round",
				}
			}
		}
		prev := a.Status
		a.Status = next
		a.UpdatedAt = now
		if err := e.stampAssignment(ctx, tx, &a, ev, now, opts); err != nil {
			return domain.Assignment{}, err
		}
		ok, err := e.Repo.UpdateAssignment(ctx, tx, a)
		if err != nil {
			return domain.Assignment{}, err
		}
		if err := staleWrite(ok, status.KindAssignment, a.ID); err != nil {
			return domain.Assignment{}, err
		}
		a.Version++
		rd, err := e.Repo.GetRoundTx(ctx, tx, a.RoundID)
		if err != nil {
			return domain.Assignment{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeAssignmentChanged, rd.AgencyCode, string(status.KindAssignment), a.ID, opts.ActorID,
			events.StateChange(prev, next)); err != nil {
			return domain.Assignment{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Assignment{}, err
		}
		return a, nil
	}()
	if err != nil {
		return domain.Assignment{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return a, nil
}

// stampAssignment applies the per-event side effects: timestamps, GPS,
// cancel reason and the finish-time snapshot.
func (e *Engine) stampAssignment(ctx context.Context, tx *sql.Tx, a *domain.Assignment, ev status.Event, now string, opts AssignmentOptions) error {
	switch ev {
	case status.EvStart:
		a.StartedAt = &now
		a.StartLatitude = opts.Latitude
		a.StartLongitude = opts.Longitude
	case status.EvPause:
		a.PausedAt = &now
	case status.EvResume:
		a.PausedAt = nil
	case status.EvFinish:
		a.FinishedAt = &now
		a.EndLatitude = opts.Latitude
		a.EndLongitude = opts.Longitude
		if opts.Observations != "" {
			a.Observations = opts.Observations
		}
		agg, err := e.Repo.AggregateRound(ctx, tx, a.RoundID)
		if err != nil {
			return err
		}
		a.TotalMeters = agg.TotalMeters
		a.ReadMeters = agg.ReadMeters
		a.AnomalyCount = agg.AnomalyCount
		a.CompletionRate = completionRate(agg.ReadMeters, agg.TotalMeters)
	case status.EvCancel:
		a.CancelReason = opts.Reason
	case status.EvValidate:
		a.ValidatedAt = &now
	}
	return nil
}
