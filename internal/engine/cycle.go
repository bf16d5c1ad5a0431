package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"meterline/internal/domain"
	"meterline/internal/events"
	"meterline/internal/status"
)

// CycleCreateOptions are parameters for creating a billing cycle.
type CycleCreateOptions struct {
	ID          string
	Code        string
	Description string
	AgencyCode  string
	FiscalYear  int
	FiscalMonth int
	ActorID     string
}

func (e *Engine) CreateCycle(ctx context.Context, opts CycleCreateOptions) (domain.BillingCycle, error) {
	if opts.Code == "" {
		return domain.BillingCycle{}, errors.New("code is required")
	}
	if opts.FiscalYear == 0 {
		return domain.BillingCycle{}, errors.New("fiscal year is required")
	}
	if opts.FiscalMonth < 1 || opts.FiscalMonth > 12 {
		return domain.BillingCycle{}, errors.New("fiscal month must be 1..12")
	}
	agency := opts.AgencyCode
	if agency == "" {
		agency = e.agencyCode()
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(agency+"|cycle|"+opts.Code)).String()
	}
	c := domain.BillingCycle{
		ID:          id,
		Code:        opts.Code,
		Description: opts.Description,
		AgencyCode:  agency,
		FiscalYear:  opts.FiscalYear,
		FiscalMonth: opts.FiscalMonth,
		Status:      domain.CycleNotStarted,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	chk := e.checkpoint(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BillingCycle{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCycle(ctx, tx, c); err != nil {
		return domain.BillingCycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeCycleCreated, agency, string(status.KindBillingCycle), c.ID, opts.ActorID,
		events.EventPayload{"code": c.Code, "status": c.Status}); err != nil {
		return domain.BillingCycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BillingCycle{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return c, nil
}

// RoundCreateOptions are parameters for creating a round inside a cycle.
type RoundCreateOptions struct {
	ID                  string
	Code                string
	Label               string
	CycleID             string
	Zone                string
	Commune             string
	Quartier            string
	EstimatedMeterCount int
	PriorityOrder       *int
	ActorID             string
}

func (e *Engine) CreateRound(ctx context.Context, opts RoundCreateOptions) (domain.Round, error) {
	if opts.Code == "" {
		return domain.Round{}, errors.New("code is required")
	}
	if opts.Label == "" {
		return domain.Round{}, errors.New("label is required")
	}
	if opts.CycleID == "" {
		return domain.Round{}, errors.New("cycle is required")
	}
	release, err := e.lock(ctx, status.KindBillingCycle, opts.CycleID)
	if err != nil {
		return domain.Round{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	rd, err := func() (domain.Round, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Round{}, err
		}
		defer tx.Rollback()
		cycle, err := e.Repo.GetCycleTx(ctx, tx, opts.CycleID)
		if err != nil {
			return domain.Round{}, err
		}
		id := opts.ID
		if id == "" {
			id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(cycle.ID+"|round|"+opts.Code)).String()
		}
		rd := domain.Round{
			ID:                  id,
			Code:                opts.Code,
			Label:               opts.Label,
			CycleID:             cycle.ID,
			AgencyCode:          cycle.AgencyCode,
			Zone:                opts.Zone,
			Commune:             opts.Commune,
			Quartier:            opts.Quartier,
			Status:              domain.RoundPlanned,
			EstimatedMeterCount: opts.EstimatedMeterCount,
			PriorityOrder:       opts.PriorityOrder,
			Version:             1,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := e.Repo.InsertRound(ctx, tx, rd); err != nil {
			return domain.Round{}, fmt.Errorf("insert round: %w", err)
		}
		if err := e.refreshCycleTx(ctx, tx, cycle, now); err != nil {
			return domain.Round{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeRoundCreated, cycle.AgencyCode, string(status.KindRound), rd.ID, opts.ActorID,
			events.EventPayload{"code": rd.Code, "cycle_id": cycle.ID, "status": rd.Status}); err != nil {
			return domain.Round{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Round{}, err
		}
		return rd, nil
	}()
	if err != nil {
		return domain.Round{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return rd, nil
}

// MeterAttach is one meter in an AttachMeters batch.
type MeterAttach struct {
	MeterID     string
	MeterNumber string
}

// AttachMeters appends meters to a round, assigning contiguous pass orders
// after the current maximum. Duplicate meter ids fail the whole batch.
func (e *Engine) AttachMeters(ctx context.Context, roundID string, meters []MeterAttach, actorID string) ([]domain.MeterAttachment, error) {
	if len(meters) == 0 {
		return nil, errors.New("at least one meter is required")
	}
	release, err := e.lock(ctx, status.KindRound, roundID)
	if err != nil {
		return nil, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	var cycleID string
	attached, err := func() ([]domain.MeterAttachment, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		rd, err := e.Repo.GetRoundTx(ctx, tx, roundID)
		if err != nil {
			return nil, err
		}
		cycleID = rd.CycleID
		next, err := e.Repo.MaxPassOrder(ctx, tx, rd.ID)
		if err != nil {
			return nil, err
		}
		var out []domain.MeterAttachment
		for _, m := range meters {
			next++
			att := domain.MeterAttachment{
				ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(rd.ID+"|meter|"+m.MeterID)).String(),
				RoundID:     rd.ID,
				MeterID:     m.MeterID,
				MeterNumber: m.MeterNumber,
				PassOrder:   next,
				CreatedAt:   now,
			}
			if err := e.Repo.InsertMeterAttachment(ctx, tx, att); err != nil {
				return nil, fmt.Errorf("attach meter %s: %w", m.MeterID, err)
			}
			out = append(out, att)
		}
		if err := e.refreshRoundTx(ctx, tx, rd, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return out, nil
	}()
	if err != nil {
		return nil, err
	}
	e.publishAfterCommit(ctx, chk)
	if err := e.recomputeCycleRetry(ctx, cycleID, actorID); err != nil {
		return attached, err
	}
	return attached, nil
}

// ResetRoundPassOrder renumbers a round's meters in meter-id order.
func (e *Engine) ResetRoundPassOrder(ctx context.Context, roundID string) error {
	release, err := e.lock(ctx, status.KindRound, roundID)
	if err != nil {
		return err
	}
	defer release()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetRoundTx(ctx, tx, roundID); err != nil {
		return err
	}
	if err := e.Repo.ResetPassOrder(ctx, tx, roundID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) StartCycle(ctx context.Context, id, actorID string) (domain.BillingCycle, error) {
	return e.transitionCycle(ctx, id, status.EvStart, actorID)
}

// FinishCycle requires every child round to be FINISHED or CLOSED.
func (e *Engine) FinishCycle(ctx context.Context, id, actorID string) (domain.BillingCycle, error) {
	return e.transitionCycle(ctx, id, status.EvFinish, actorID)
}

// CloseCycle requires every child round to be CLOSED.
func (e *Engine) CloseCycle(ctx context.Context, id, actorID string) (domain.BillingCycle, error) {
	return e.transitionCycle(ctx, id, status.EvClose, actorID)
}

// ReopenCycle returns a FINISHED or CLOSED cycle to IN_PROGRESS. It does not
// reopen child rounds or assignments; those are independently managed. The
// asymmetry is intentional (administrative override).
func (e *Engine) ReopenCycle(ctx context.Context, id, actorID string) (domain.BillingCycle, error) {
	return e.transitionCycle(ctx, id, status.EvReopen, actorID)
}

func (e *Engine) transitionCycle(ctx context.Context, id string, ev status.Event, actorID string) (domain.BillingCycle, error) {
	release, err := e.lock(ctx, status.KindBillingCycle, id)
	if err != nil {
		return domain.BillingCycle{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	c, err := func() (domain.BillingCycle, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.BillingCycle{}, err
		}
		defer tx.Rollback()
		c, err := e.Repo.GetCycleTx(ctx, tx, id)
		if err != nil {
			return domain.BillingCycle{}, err
		}
		next, err := status.Apply(status.KindBillingCycle, c.Status, ev)
		if err != nil {
			return domain.BillingCycle{}, err
		}
		if ev == status.EvFinish || ev == status.EvClose {
			rounds, err := e.Repo.ListCycleRoundsByCode(ctx, tx, c.ID)
			if err != nil {
				return domain.BillingCycle{}, err
			}
			for _, rd := range rounds {
				if roundConforms(rd.Status, ev) {
					continue
				}
				return domain.BillingCycle{}, &PreconditionError{
					Kind:          status.KindBillingCycle,
					EntityID:      c.ID,
					Event:         ev,
					BlockingID:    rd.ID,
					BlockingCode:  rd.Code,
					BlockingState: rd.Status,
				}
			}
		}
		prev := c.Status
		c.Status = next
		c.UpdatedAt = now
		ok, err := e.Repo.UpdateCycle(ctx, tx, c)
		if err != nil {
			return domain.BillingCycle{}, err
		}
		if err := staleWrite(ok, status.KindBillingCycle, c.ID); err != nil {
			return domain.BillingCycle{}, err
		}
		c.Version++
		if err := e.Events.Append(ctx, tx, events.TypeCycleStateChanged, c.AgencyCode, string(status.KindBillingCycle), c.ID, actorID,
			events.StateChange(prev, next)); err != nil {
			return domain.BillingCycle{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.BillingCycle{}, err
		}
		return c, nil
	}()
	if err != nil {
		return domain.BillingCycle{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return c, nil
}

// roundConforms reports whether a child round's state permits the cycle event.
func roundConforms(roundStatus string, ev status.Event) bool {
	switch ev {
	case status.EvFinish:
		return roundStatus == domain.RoundFinished || roundStatus == domain.RoundClosed
	case status.EvClose:
		return roundStatus == domain.RoundClosed
	}
	return true
}

func (e *Engine) StartRound(ctx context.Context, id, actorID string) (domain.Round, error) {
	return e.transitionRound(ctx, id, status.EvStart, actorID)
}

func (e *Engine) FinishRound(ctx context.Context, id, actorID string) (domain.Round, error) {
	return e.transitionRound(ctx, id, status.EvFinish, actorID)
}

func (e *Engine) CloseRound(ctx context.Context, id, actorID string) (domain.Round, error) {
	return e.transitionRound(ctx, id, status.EvClose, actorID)
}

func (e *Engine) ReopenRound(ctx context.Context, id, actorID string) (domain.Round, error) {
	return e.transitionRound(ctx, id, status.EvReopen, actorID)
}

func (e *Engine) transitionRound(ctx context.Context, id string, ev status.Event, actorID string) (domain.Round, error) {
	release, err := e.lock(ctx, status.KindRound, id)
	if err != nil {
		return domain.Round{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	rd, err := func() (domain.Round, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Round{}, err
		}
		defer tx.Rollback()
		rd, err := e.Repo.GetRoundTx(ctx, tx, id)
		if err != nil {
			return domain.Round{}, err
		}
		next, err := status.Apply(status.KindRound, rd.Status, ev)
		if err != nil {
			return domain.Round{}, err
		}
		prev := rd.Status
		rd.Status = next
		rd.UpdatedAt = now
		ok, err := e.Repo.UpdateRound(ctx, tx, rd)
		if err != nil {
			return domain.Round{}, err
		}
		if err := staleWrite(ok, status.KindRound, rd.ID); err != nil {
			return domain.Round{}, err
		}
		rd.Version++
		if err := e.Events.Append(ctx, tx, events.TypeRoundStateChanged, rd.AgencyCode, string(status.KindRound), rd.ID, actorID,
			events.StateChange(prev, next)); err != nil {
			return domain.Round{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Round{}, err
		}
		return rd, nil
	}()
	if err != nil {
		return domain.Round{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return rd, nil
}

// refreshRoundTx recomputes a round's cached counts inside the caller's tx.
// Caller holds the round lock.
func (e *Engine) refreshRoundTx(ctx context.Context, tx *sql.Tx, rd domain.Round, now string) error {
	agg, err := e.Repo.AggregateRound(ctx, tx, rd.ID)
	if err != nil {
		return err
	}
	rd.TotalMeters = agg.TotalMeters
	rd.ReadMeters = agg.ReadMeters
	rd.AnomalyCount = agg.AnomalyCount
	rd.CompletionRate = completionRate(agg.ReadMeters, agg.TotalMeters)
	rd.UpdatedAt = now
	ok, err := e.Repo.UpdateRound(ctx, tx, rd)
	if err != nil {
		return err
	}
	return staleWrite(ok, status.KindRound, rd.ID)
}

// refreshCycleTx recomputes a cycle's cached counts inside the caller's tx.
// Caller holds the cycle lock.
func (e *Engine) refreshCycleTx(ctx context.Context, tx *sql.Tx, c domain.BillingCycle, now string) error {
	agg, err := e.Repo.AggregateCycle(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	c.RoundCount = agg.RoundCount
	c.ClientCount = agg.ClientCount
	c.ReadClientCount = agg.ReadClientCount
	c.AnomalyCount = agg.AnomalyCount
	c.CompletionRate = completionRate(agg.ReadClientCount, agg.ClientCount)
	c.UpdatedAt = now
	ok, err := e.Repo.UpdateCycle(ctx, tx, c)
	if err != nil {
		return err
	}
	return staleWrite(ok, status.KindBillingCycle, c.ID)
}

// completionRate is read/total with four decimal places, zero when empty.
func completionRate(read, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(read)).DivRound(decimal.NewFromInt(int64(total)), 4)
}
