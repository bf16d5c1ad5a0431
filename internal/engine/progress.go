package engine

import (
	"context"
	"fmt"

	"meterline/internal/domain"
	"meterline/internal/events"
	"meterline/internal/status"
)

// ReadOptions carry the optional capture detail of a field reading.
type ReadOptions struct {
	ReadBy    string
	Latitude  *float64
	Longitude *float64
	ActorID   string
}

// OnMeterRead records a reading fact and rolls the round's cached counts up
// from the facts, then recomputes the parent cycle. The fact and the round
// refresh commit together; the cycle recompute runs after the round lock is
// released and is retried on contention so the derived counts converge.
func (e *Engine) OnMeterRead(ctx context.Context, roundID, meterID string, hadAnomaly bool, opts ReadOptions) (domain.Round, error) {
	return e.applyReadFact(ctx, roundID, meterID, true, hadAnomaly, opts)
}

// OnMeterUnread reverts a reading fact (correction flow) and rolls up the
// same way.
func (e *Engine) OnMeterUnread(ctx context.Context, roundID, meterID string, opts ReadOptions) (domain.Round, error) {
	return e.applyReadFact(ctx, roundID, meterID, false, false, opts)
}

func (e *Engine) applyReadFact(ctx context.Context, roundID, meterID string, read, hadAnomaly bool, opts ReadOptions) (domain.Round, error) {
	release, err := e.lock(ctx, status.KindRound, roundID)
	if err != nil {
		return domain.Round{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	var cycleID string
	rd, err := func() (domain.Round, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Round{}, err
		}
		defer tx.Rollback()
		rd, err := e.Repo.GetRoundTx(ctx, tx, roundID)
		if err != nil {
			return domain.Round{}, err
		}
		cycleID = rd.CycleID
		if read {
			err = e.Repo.MarkMeterRead(ctx, tx, rd.ID, meterID, hadAnomaly, now, opts.ReadBy, opts.Latitude, opts.Longitude)
		} else {
			err = e.Repo.MarkMeterUnread(ctx, tx, rd.ID, meterID)
		}
		if err != nil {
			return domain.Round{}, fmt.Errorf("meter %s on round %s: %w", meterID, rd.ID, err)
		}
		if err := e.refreshRoundTx(ctx, tx, rd, now); err != nil {
			return domain.Round{}, err
		}
		rd, err = e.Repo.GetRoundTx(ctx, tx, rd.ID)
		if err != nil {
			return domain.Round{}, err
		}
		evtType := events.TypeMeterRead
		if !read {
			evtType = events.TypeMeterUnread
		}
		if err := e.Events.Append(ctx, tx, evtType, rd.AgencyCode, string(status.KindRound), rd.ID, opts.ActorID,
			events.EventPayload{"meter_id": meterID, "anomaly": hadAnomaly}); err != nil {
			return domain.Round{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeRoundCompletion, rd.AgencyCode, string(status.KindRound), rd.ID, opts.ActorID,
			events.EventPayload{
				"total_meters":    rd.TotalMeters,
				"read_meters":     rd.ReadMeters,
				"anomaly_count":   rd.AnomalyCount,
				"completion_rate": rd.CompletionRate.String(),
			}); err != nil {
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
	if err := e.recomputeCycleRetry(ctx, cycleID, opts.ActorID); err != nil {
		return rd, err
	}
	return rd, nil
}

// RecomputeRound refreshes a round's cached counts from its reading facts.
// Idempotent: with no intervening fact change a second call writes the same
// values.
func (e *Engine) RecomputeRound(ctx context.Context, roundID string) (domain.Round, error) {
	release, err := e.lock(ctx, status.KindRound, roundID)
	if err != nil {
		return domain.Round{}, err
	}
	defer release()
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer tx.Rollback()
	rd, err := e.Repo.GetRoundTx(ctx, tx, roundID)
	if err != nil {
		return domain.Round{}, err
	}
	if err := e.refreshRoundTx(ctx, tx, rd, now); err != nil {
		return domain.Round{}, err
	}
	rd, err = e.Repo.GetRoundTx(ctx, tx, rd.ID)
	if err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	return rd, nil
}

// RecomputeBillingCycle sums cached child-round counts into the cycle.
// Bottom-up only: rounds are never written here.
func (e *Engine) RecomputeBillingCycle(ctx context.Context, cycleID string) (domain.BillingCycle, error) {
	release, err := e.lock(ctx, status.KindBillingCycle, cycleID)
	if err != nil {
		return domain.BillingCycle{}, err
	}
	defer release()
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BillingCycle{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return domain.BillingCycle{}, err
	}
	if err := e.refreshCycleTx(ctx, tx, c, now); err != nil {
		return domain.BillingCycle{}, err
	}
	c, err = e.Repo.GetCycleTx(ctx, tx, c.ID)
	if err != nil {
		return domain.BillingCycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BillingCycle{}, err
	}
	return c, nil
}

// recomputeCycleRetry retries the parent rollup on contention so a committed
// child fact is never silently left un-rolled-up.
func (e *Engine) recomputeCycleRetry(ctx context.Context, cycleID, actorID string) error {
	var lastErr error
	for i := 0; i <= e.retries(); i++ {
		_, err := e.RecomputeBillingCycle(ctx, cycleID)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("cycle %s rollup did not converge: %w", cycleID, lastErr)
}
