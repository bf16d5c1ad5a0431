package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"meterline/internal/domain"
	"meterline/internal/events"
	"meterline/internal/repo"
	"meterline/internal/status"
)

const dateLayout = "2006-01-02"

// CaseOpenOptions are parameters for opening a collection case.
type CaseOpenOptions struct {
	ID          string
	ClientID    string
	ClientName  string
	ContractRef string
	AgencyCode  string
	AgentID     string
	AmountDue   decimal.Decimal
	ActorID     string
}

func (e *Engine) OpenCase(ctx context.Context, opts CaseOpenOptions) (domain.CollectionCase, error) {
	if opts.ClientID == "" {
		return domain.CollectionCase{}, errors.New("client is required")
	}
	if opts.ContractRef == "" {
		return domain.CollectionCase{}, errors.New("contract ref is required")
	}
	if !opts.AmountDue.IsPositive() {
		return domain.CollectionCase{}, errors.New("amount due must be positive")
	}
	agency := opts.AgencyCode
	if agency == "" {
		agency = e.agencyCode()
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(agency+"|case|"+opts.ClientID+"|"+opts.ContractRef)).String()
	}
	c := domain.CollectionCase{
		ID:          id,
		ClientID:    opts.ClientID,
		ClientName:  opts.ClientName,
		ContractRef: opts.ContractRef,
		AgencyCode:  agency,
		AgentID:     opts.AgentID,
		AmountDue:   opts.AmountDue,
		Status:      domain.CasePending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	chk := e.checkpoint(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CollectionCase{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.CollectionCase{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeCaseOpened, agency, string(status.KindCollectionCase), c.ID, opts.ActorID,
		events.EventPayload{"client_id": c.ClientID, "amount_due": c.AmountDue.String()}); err != nil {
		return domain.CollectionCase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CollectionCase{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return c, nil
}

func (e *Engine) EngageCase(ctx context.Context, id, actorID string) (domain.CollectionCase, error) {
	return e.transitionCase(ctx, id, status.EvEngage, actorID)
}

func (e *Engine) ResolveCase(ctx context.Context, id, actorID string) (domain.CollectionCase, error) {
	return e.transitionCase(ctx, id, status.EvResolve, actorID)
}

func (e *Engine) EscalateCase(ctx context.Context, id, actorID string) (domain.CollectionCase, error) {
	return e.transitionCase(ctx, id, status.EvEscalate, actorID)
}

func (e *Engine) transitionCase(ctx context.Context, id string, ev status.Event, actorID string) (domain.CollectionCase, error) {
	release, err := e.lock(ctx, status.KindCollectionCase, id)
	if err != nil {
		return domain.CollectionCase{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	c, err := func() (domain.CollectionCase, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.CollectionCase{}, err
		}
		defer tx.Rollback()
		c, err := e.Repo.GetCaseTx(ctx, tx, id)
		if err != nil {
			return domain.CollectionCase{}, err
		}
		next, err := status.Apply(status.KindCollectionCase, c.Status, ev)
		if err != nil {
			return domain.CollectionCase{}, err
		}
		prev := c.Status
		c.Status = next
		c.UpdatedAt = now
		ok, err := e.Repo.UpdateCase(ctx, tx, c)
		if err != nil {
			return domain.CollectionCase{}, err
		}
		if err := staleWrite(ok, status.KindCollectionCase, c.ID); err != nil {
			return domain.CollectionCase{}, err
		}
		c.Version++
		if err := e.Events.Append(ctx, tx, events.TypeCaseStateChanged, c.AgencyCode, string(status.KindCollectionCase), c.ID, actorID,
			events.StateChange(prev, next)); err != nil {
			return domain.CollectionCase{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.CollectionCase{}, err
		}
		return c, nil
	}()
	if err != nil {
		return domain.CollectionCase{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return c, nil
}

// ActionOptions are parameters for recording a field action on a case.
type ActionOptions struct {
	AgentID      string
	Type         string
	Amount       decimal.Decimal
	Latitude     *float64
	Longitude    *float64
	Observations string
	ActorID      string
}

func validActionType(t string) bool {
	switch t {
	case domain.ActionPayment, domain.ActionVisit, domain.ActionMeterCut,
		domain.ActionMeterRemoved, domain.ActionPromise:
		return true
	}
	return false
}

// RecordAction appends a field action to a case. A PAYMENT action re-derives
// amountCollected from the action log; the first action on a PENDING case
// engages it.
func (e *Engine) RecordAction(ctx context.Context, caseID string, opts ActionOptions) (domain.CollectionAction, error) {
	if opts.AgentID == "" {
		return domain.CollectionAction{}, errors.New("agent is required")
	}
	if !validActionType(opts.Type) {
		return domain.CollectionAction{}, fmt.Errorf("unknown action type %q", opts.Type)
	}
	if opts.Type == domain.ActionPayment && !opts.Amount.IsPositive() {
		return domain.CollectionAction{}, errors.New("payment amount must be positive")
	}
	release, err := e.lock(ctx, status.KindCollectionCase, caseID)
	if err != nil {
		return domain.CollectionAction{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	act, err := func() (domain.CollectionAction, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.CollectionAction{}, err
		}
		defer tx.Rollback()
		c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
		if err != nil {
			return domain.CollectionAction{}, err
		}
		if status.Terminal(status.KindCollectionCase, c.Status) {
			return domain.CollectionAction{}, &InvalidStateError{
				Kind: status.KindCollectionCase, EntityID: c.ID,
				State: c.Status, Wanted: "non-terminal",
			}
		}
		act := domain.CollectionAction{
			ID:           uuid.New().String(),
			CaseID:       c.ID,
			AgentID:      opts.AgentID,
			Type:         opts.Type,
			Amount:       opts.Amount,
			ActionDate:   now,
			Latitude:     opts.Latitude,
			Longitude:    opts.Longitude,
			Observations: opts.Observations,
			CreatedAt:    now,
		}
		if err := e.Repo.InsertCaseAction(ctx, tx, act); err != nil {
			return domain.CollectionAction{}, err
		}
		prev := c.Status
		if c.Status == domain.CasePending {
			c.Status, err = status.Apply(status.KindCollectionCase, c.Status, status.EvEngage)
			if err != nil {
				return domain.CollectionAction{}, err
			}
		}
		if opts.Type == domain.ActionPayment {
			c.AmountCollected, err = e.Repo.SumCasePayments(ctx, tx, c.ID)
			if err != nil {
				return domain.CollectionAction{}, err
			}
		}
		c.UpdatedAt = now
		ok, err := e.Repo.UpdateCase(ctx, tx, c)
		if err != nil {
			return domain.CollectionAction{}, err
		}
		if err := staleWrite(ok, status.KindCollectionCase, c.ID); err != nil {
			return domain.CollectionAction{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeCaseAction, c.AgencyCode, string(status.KindCollectionCase), c.ID, opts.ActorID,
			events.EventPayload{"type": act.Type, "amount": act.Amount.String(), "agent_id": act.AgentID}); err != nil {
			return domain.CollectionAction{}, err
		}
		if prev != c.Status {
			if err := e.Events.Append(ctx, tx, events.TypeCaseStateChanged, c.AgencyCode, string(status.KindCollectionCase), c.ID, opts.ActorID,
				events.StateChange(prev, c.Status)); err != nil {
				return domain.CollectionAction{}, err
			}
		}
		if err := tx.Commit(); err != nil {
			return domain.CollectionAction{}, err
		}
		return act, nil
	}()
	if err != nil {
		return domain.CollectionAction{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return act, nil
}

// PlanCreateOptions are parameters for granting a payment plan on a case.
// InitialPercentage is a fraction in [0,1); the initial amount is
// TotalAmount * InitialPercentage.
type PlanCreateOptions struct {
	CaseID            string
	TotalAmount       decimal.Decimal
	InitialPercentage decimal.Decimal
	InstallmentCount  int
	StartDate         string
	GrantedBy         string
	Observations      string
	ActorID           string
}

// CreatePlan splits the post-initial balance into nearly-equal installments.
// Remainder cents land on the last installment so the amounts sum exactly to
// the plan total. Sequence numbers are contiguous from 1 and due dates step
// one period per sequence from the start date.
func (e *Engine) CreatePlan(ctx context.Context, opts PlanCreateOptions) (domain.PaymentPlan, error) {
	if !opts.TotalAmount.IsPositive() {
		return domain.PaymentPlan{}, errors.New("total amount must be positive")
	}
	if opts.InstallmentCount < 1 {
		return domain.PaymentPlan{}, errors.New("installment count must be >= 1")
	}
	maxCount := 24
	if e.Config != nil {
		maxCount = e.Config.MaxInstallmentCount()
	}
	if opts.InstallmentCount > maxCount {
		return domain.PaymentPlan{}, fmt.Errorf("installment count exceeds maximum %d", maxCount)
	}
	if opts.InitialPercentage.IsNegative() || opts.InitialPercentage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return domain.PaymentPlan{}, errors.New("initial percentage must be in [0,1)")
	}
	start, err := time.Parse(dateLayout, opts.StartDate)
	if err != nil {
		return domain.PaymentPlan{}, fmt.Errorf("start date: %w", err)
	}
	period := 1
	if e.Config != nil {
		period = e.Config.InstallmentPeriod()
	}
	release, err := e.lock(ctx, status.KindCollectionCase, opts.CaseID)
	if err != nil {
		return domain.PaymentPlan{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	plan, err := func() (domain.PaymentPlan, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		defer tx.Rollback()
		c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		if status.Terminal(status.KindCollectionCase, c.Status) {
			return domain.PaymentPlan{}, &InvalidStateError{
				Kind: status.KindCollectionCase, EntityID: c.ID,
				State: c.Status, Wanted: "non-terminal",
			}
		}
		if existing, err := e.Repo.ActivePlanForCase(ctx, tx, c.ID); err == nil {
			return domain.PaymentPlan{}, &ConflictError{
				Kind:       status.KindPaymentPlan,
				EntityID:   c.ID,
				ConflictID: existing.ID,
				Message:    "case already carries an active plan",
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.PaymentPlan{}, err
		}

		initial := opts.TotalAmount.Mul(opts.InitialPercentage).Round(2)
		remaining := opts.TotalAmount.Sub(initial)
		n := opts.InstallmentCount
		base := remaining.DivRound(decimal.NewFromInt(int64(n)), 2)
		if base.Mul(decimal.NewFromInt(int64(n))).GreaterThan(remaining) {
			base = base.Sub(decimal.New(1, -2))
		}
		last := remaining.Sub(base.Mul(decimal.NewFromInt(int64(n - 1))))

		endDate := start.AddDate(0, period*n, 0).Format(dateLayout)
		plan := domain.PaymentPlan{
			ID:                uuid.New().String(),
			CaseID:            c.ID,
			TotalAmount:       opts.TotalAmount,
			InitialPercentage: opts.InitialPercentage,
			InitialAmountPaid: initial,
			RemainingAmount:   remaining,
			InstallmentCount:  n,
			CompletionRate:    completionRateDec(initial, opts.TotalAmount),
			StartDate:         opts.StartDate,
			EndDate:           endDate,
			Status:            domain.PlanActive,
			GrantedBy:         opts.GrantedBy,
			Observations:      opts.Observations,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := e.Repo.InsertPlan(ctx, tx, plan); err != nil {
			return domain.PaymentPlan{}, err
		}
		for seq := 1; seq <= n; seq++ {
			due := base
			if seq == n {
				due = last
			}
			ins := domain.Installment{
				ID:        uuid.New().String(),
				PlanID:    plan.ID,
				Sequence:  seq,
				AmountDue: due,
				DueDate:   start.AddDate(0, period*seq, 0).Format(dateLayout),
				Status:    domain.InstallmentPending,
				Version:   1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := e.Repo.InsertInstallment(ctx, tx, ins); err != nil {
				return domain.PaymentPlan{}, err
			}
		}
		c.HasPaymentPlan = true
		c.UpdatedAt = now
		ok, err := e.Repo.UpdateCase(ctx, tx, c)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		if err := staleWrite(ok, status.KindCollectionCase, c.ID); err != nil {
			return domain.PaymentPlan{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypePlanCreated, c.AgencyCode, string(status.KindPaymentPlan), plan.ID, opts.ActorID,
			events.EventPayload{
				"case_id":           c.ID,
				"total_amount":      plan.TotalAmount.String(),
				"installment_count": n,
			}); err != nil {
			return domain.PaymentPlan{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.PaymentPlan{}, err
		}
		return plan, nil
	}()
	if err != nil {
		return domain.PaymentPlan{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return plan, nil
}

// PayOptions carry the capture detail of an installment payment.
type PayOptions struct {
	AmountPaid  decimal.Decimal
	PaidDate    string
	ReceiptRef  string
	PaymentMode string
	PaidBy      string
	ActorID     string
}

// PayInstallment settles one installment and rolls the plan up. Only PENDING
// and LATE installments are payable. The plan recompute runs after the
// installment lock is released.
func (e *Engine) PayInstallment(ctx context.Context, installmentID string, opts PayOptions) (domain.Installment, error) {
	if !opts.AmountPaid.IsPositive() {
		return domain.Installment{}, errors.New("amount paid must be positive")
	}
	if opts.PaidDate == "" {
		opts.PaidDate = e.now().UTC().Format(dateLayout)
	}
	if _, err := time.Parse(dateLayout, opts.PaidDate); err != nil {
		return domain.Installment{}, fmt.Errorf("paid date: %w", err)
	}
	release, err := e.lock(ctx, status.KindInstallment, installmentID)
	if err != nil {
		return domain.Installment{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	var planID string
	ins, err := func() (domain.Installment, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Installment{}, err
		}
		defer tx.Rollback()
		ins, err := e.Repo.GetInstallmentTx(ctx, tx, installmentID)
		if err != nil {
			return domain.Installment{}, err
		}
		planID = ins.PlanID
		agency, err := e.caseAgencyForPlan(ctx, tx, ins.PlanID)
		if err != nil {
			return domain.Installment{}, err
		}
		if ins.Status != domain.InstallmentPending && ins.Status != domain.InstallmentLate {
			return domain.Installment{}, &InvalidStateError{
				Kind: status.KindInstallment, EntityID: ins.ID,
				State: ins.Status, Wanted: domain.InstallmentPending + " or " + domain.InstallmentLate,
			}
		}
		next, err := status.Apply(status.KindInstallment, ins.Status, status.EvPay)
		if err != nil {
			return domain.Installment{}, err
		}
		prev := ins.Status
		ins.Status = next
		ins.AmountPaid = &opts.AmountPaid
		ins.PaidDate = &opts.PaidDate
		ins.PaidBy = opts.PaidBy
		ins.ReceiptRef = opts.ReceiptRef
		ins.PaymentMode = opts.PaymentMode
		ins.UpdatedAt = now
		ok, err := e.Repo.UpdateInstallment(ctx, tx, ins)
		if err != nil {
			return domain.Installment{}, err
		}
		if err := staleWrite(ok, status.KindInstallment, ins.ID); err != nil {
			return domain.Installment{}, err
		}
		ins.Version++
		if err := e.Events.Append(ctx, tx, events.TypeInstallmentPaid, agency, string(status.KindInstallment), ins.ID, opts.ActorID,
			events.EventPayload{
				"plan_id":     ins.PlanID,
				"sequence":    ins.Sequence,
				"amount_paid": opts.AmountPaid.String(),
				"receipt_ref": opts.ReceiptRef,
			}); err != nil {
			return domain.Installment{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeInstallmentState, agency, string(status.KindInstallment), ins.ID, opts.ActorID,
			events.StateChange(prev, next)); err != nil {
			return domain.Installment{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Installment{}, err
		}
		return ins, nil
	}()
	if err != nil {
		return domain.Installment{}, err
	}
	e.publishAfterCommit(ctx, chk)
	if err := e.recomputePlanRetry(ctx, planID, opts.ActorID); err != nil {
		return ins, err
	}
	return ins, nil
}

// RecomputePlan re-derives a plan's paid count, remaining amount and
// completion rate from its installments, transitioning the plan to COMPLETED
// when the last installment is paid. Idempotent.
func (e *Engine) RecomputePlan(ctx context.Context, planID, actorID string) (domain.PaymentPlan, error) {
	release, err := e.lock(ctx, status.KindPaymentPlan, planID)
	if err != nil {
		return domain.PaymentPlan{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	plan, err := func() (domain.PaymentPlan, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		defer tx.Rollback()
		plan, err := e.Repo.GetPlanTx(ctx, tx, planID)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		installments, err := e.Repo.ListPlanInstallments(ctx, tx, plan.ID)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		paidCount := 0
		paidSum := decimal.Zero
		for _, ins := range installments {
			if ins.Status == domain.InstallmentPaid {
				paidCount++
				if ins.AmountPaid != nil {
					paidSum = paidSum.Add(*ins.AmountPaid)
				}
			}
		}
		plan.PaidInstallmentCount = paidCount
		plan.RemainingAmount = plan.TotalAmount.Sub(plan.InitialAmountPaid).Sub(paidSum)
		plan.CompletionRate = completionRateDec(plan.InitialAmountPaid.Add(paidSum), plan.TotalAmount)
		prev := plan.Status
		if plan.Status == domain.PlanActive && paidCount == plan.InstallmentCount {
			plan.Status, err = status.Apply(status.KindPaymentPlan, plan.Status, status.EvComplete)
			if err != nil {
				return domain.PaymentPlan{}, err
			}
		}
		plan.UpdatedAt = now
		ok, err := e.Repo.UpdatePlan(ctx, tx, plan)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		if err := staleWrite(ok, status.KindPaymentPlan, plan.ID); err != nil {
			return domain.PaymentPlan{}, err
		}
		plan.Version++
		if prev != plan.Status {
			owner, err := e.Repo.GetCaseTx(ctx, tx, plan.CaseID)
			if err != nil {
				return domain.PaymentPlan{}, err
			}
			if err := e.Events.Append(ctx, tx, events.TypePlanStateChanged, owner.AgencyCode, string(status.KindPaymentPlan), plan.ID, actorID,
				events.StateChange(prev, plan.Status)); err != nil {
				return domain.PaymentPlan{}, err
			}
		}
		if err := tx.Commit(); err != nil {
			return domain.PaymentPlan{}, err
		}
		return plan, nil
	}()
	if err != nil {
		return domain.PaymentPlan{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return plan, nil
}

// CancelPlan voids an active plan and cancels its unpaid installments.
func (e *Engine) CancelPlan(ctx context.Context, planID, actorID string) (domain.PaymentPlan, error) {
	return e.closePlan(ctx, planID, status.EvCancel, actorID)
}

// DefaultPlan marks an active plan defaulted, cancelling unpaid installments.
func (e *Engine) DefaultPlan(ctx context.Context, planID, actorID string) (domain.PaymentPlan, error) {
	return e.closePlan(ctx, planID, status.EvDefault, actorID)
}

func (e *Engine) closePlan(ctx context.Context, planID string, ev status.Event, actorID string) (domain.PaymentPlan, error) {
	release, err := e.lock(ctx, status.KindPaymentPlan, planID)
	if err != nil {
		return domain.PaymentPlan{}, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	plan, err := func() (domain.PaymentPlan, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		defer tx.Rollback()
		plan, err := e.Repo.GetPlanTx(ctx, tx, planID)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		next, err := status.Apply(status.KindPaymentPlan, plan.Status, ev)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		installments, err := e.Repo.ListPlanInstallments(ctx, tx, plan.ID)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		for _, ins := range installments {
			if status.Terminal(status.KindInstallment, ins.Status) {
				continue
			}
			insNext, err := status.Apply(status.KindInstallment, ins.Status, status.EvCancel)
			if err != nil {
				return domain.PaymentPlan{}, err
			}
			ins.Status = insNext
			ins.UpdatedAt = now
			ok, err := e.Repo.UpdateInstallment(ctx, tx, ins)
			if err != nil {
				return domain.PaymentPlan{}, err
			}
			if err := staleWrite(ok, status.KindInstallment, ins.ID); err != nil {
				return domain.PaymentPlan{}, err
			}
		}
		prev := plan.Status
		plan.Status = next
		plan.UpdatedAt = now
		ok, err := e.Repo.UpdatePlan(ctx, tx, plan)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		if err := staleWrite(ok, status.KindPaymentPlan, plan.ID); err != nil {
			return domain.PaymentPlan{}, err
		}
		plan.Version++
		owner, err := e.Repo.GetCaseTx(ctx, tx, plan.CaseID)
		if err != nil {
			return domain.PaymentPlan{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypePlanStateChanged, owner.AgencyCode, string(status.KindPaymentPlan), plan.ID, actorID,
			events.StateChange(prev, next)); err != nil {
			return domain.PaymentPlan{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.PaymentPlan{}, err
		}
		return plan, nil
	}()
	if err != nil {
		return domain.PaymentPlan{}, err
	}
	e.publishAfterCommit(ctx, chk)
	return plan, nil
}

// recomputePlanRetry mirrors the cycle rollup retry: a committed payment is
// never left without its plan-level rollup.
func (e *Engine) recomputePlanRetry(ctx context.Context, planID, actorID string) error {
	var lastErr error
	for i := 0; i <= e.retries(); i++ {
		_, err := e.RecomputePlan(ctx, planID, actorID)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("plan %s rollup did not converge: %w", planID, lastErr)
}

// SweepLateInstallments marks every PENDING installment past due as LATE and
// refreshes daysLate on installments already LATE. Batched, commit per
// installment, idempotent, safe to re-run after a crash. Returns the number
// of PENDING→LATE transitions.
func (e *Engine) SweepLateInstallments(ctx context.Context, asOf, actorID string) (int, error) {
	asOfDay, err := time.Parse(dateLayout, asOf)
	if err != nil {
		return 0, fmt.Errorf("as-of date: %w", err)
	}
	batch := 200
	if e.Config != nil {
		batch = e.Config.SweepBatch()
	}
	transitioned := 0
	afterID := ""
	for {
		page, err := e.Repo.InstallmentsDueBefore(ctx, domain.InstallmentPending, asOf, batch, afterID)
		if err != nil {
			return transitioned, err
		}
		if len(page) == 0 {
			break
		}
		for _, ins := range page {
			afterID = ins.ID
			moved, err := e.markLate(ctx, ins.ID, asOfDay, actorID)
			if err != nil {
				return transitioned, err
			}
			if moved {
				transitioned++
			}
		}
		if len(page) < batch {
			break
		}
	}
	// Second pass: already-LATE installments get daysLate re-evaluated only.
	afterID = ""
	for {
		page, err := e.Repo.InstallmentsDueBefore(ctx, domain.InstallmentLate, asOf, batch, afterID)
		if err != nil {
			return transitioned, err
		}
		if len(page) == 0 {
			break
		}
		for _, ins := range page {
			afterID = ins.ID
			if _, err := e.markLate(ctx, ins.ID, asOfDay, actorID); err != nil {
				return transitioned, err
			}
		}
		if len(page) < batch {
			break
		}
	}
	return transitioned, nil
}

// markLate re-reads one installment under its lock and applies lateness as of
// the given day. Reports whether a PENDING→LATE transition happened.
func (e *Engine) markLate(ctx context.Context, installmentID string, asOfDay time.Time, actorID string) (bool, error) {
	release, err := e.lock(ctx, status.KindInstallment, installmentID)
	if err != nil {
		return false, err
	}
	now := e.nowRFC3339()
	chk := e.checkpoint(ctx)
	moved, err := func() (bool, error) {
		defer release()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
		ins, err := e.Repo.GetInstallmentTx(ctx, tx, installmentID)
		if err != nil {
			return false, err
		}
		if ins.Status != domain.InstallmentPending && ins.Status != domain.InstallmentLate {
			// Paid or cancelled between page read and lock; nothing to do.
			return false, nil
		}
		due, err := time.Parse(dateLayout, ins.DueDate)
		if err != nil {
			return false, fmt.Errorf("installment %s due date: %w", ins.ID, err)
		}
		if !due.Before(asOfDay) {
			return false, nil
		}
		days := int(asOfDay.Sub(due).Hours() / 24)
		moved := false
		prev := ins.Status
		if ins.Status == domain.InstallmentPending {
			ins.Status, err = status.Apply(status.KindInstallment, ins.Status, status.EvMarkLate)
			if err != nil {
				return false, err
			}
			moved = true
		} else if ins.DaysLate == days {
			// Re-run with the same as-of date: nothing changed.
			return false, nil
		}
		ins.IsLate = true
		ins.DaysLate = days
		ins.UpdatedAt = now
		ok, err := e.Repo.UpdateInstallment(ctx, tx, ins)
		if err != nil {
			return false, err
		}
		if err := staleWrite(ok, status.KindInstallment, ins.ID); err != nil {
			return false, err
		}
		if moved {
			agency, err := e.caseAgencyForPlan(ctx, tx, ins.PlanID)
			if err != nil {
				return false, err
			}
			if err := e.Events.Append(ctx, tx, events.TypeInstallmentLate, agency, string(status.KindInstallment), ins.ID, actorID,
				events.EventPayload{"plan_id": ins.PlanID, "sequence": ins.Sequence, "days_late": days}); err != nil {
				return false, err
			}
			if err := e.Events.Append(ctx, tx, events.TypeInstallmentState, agency, string(status.KindInstallment), ins.ID, actorID,
				events.StateChange(prev, ins.Status)); err != nil {
				return false, err
			}
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return moved, nil
	}()
	if err != nil {
		return false, err
	}
	if moved {
		e.publishAfterCommit(ctx, chk)
	}
	return moved, nil
}

// caseAgencyForPlan resolves the agency owning a plan's case. Installment
// and plan journal rows are attributed to that agency, not the engine's
// configured one.
func (e *Engine) caseAgencyForPlan(ctx context.Context, tx *sql.Tx, planID string) (string, error) {
	plan, err := e.Repo.GetPlanTx(ctx, tx, planID)
	if err != nil {
		return "", err
	}
	owner, err := e.Repo.GetCaseTx(ctx, tx, plan.CaseID)
	if err != nil {
		return "", err
	}
	return owner.AgencyCode, nil
}

// completionRateDec is paid/total with four decimal places, zero on empty.
func completionRateDec(paid, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return paid.DivRound(total, 4)
}
