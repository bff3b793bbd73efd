package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// guardKey marks a context as running inside an engine operation. Adapters
// receive that context, so a callback into the engine can be detected.
type guardKey struct{}

// operation is the checkpoint and event buffer of one mutating call.
type operation struct {
	id     string
	name   string
	caller domain.Address
	log    zerolog.Logger
	start  time.Time

	idle        domain.Amount
	reserved    domain.Amount
	weights     []domain.Allocation
	distributed map[domain.SourceID]domain.Amount
	custody     domain.Amount

	// creditOnRollback decides whether underlying that arrived in custody
	// during a failed operation is accounted as idle. Otherwise it is
	// reserved when reserveOnRollback is set, or left as excess.
	creditOnRollback  bool
	reserveOnRollback bool

	pending []events.EventData
}

func (op *operation) emit(data events.EventData) {
	op.pending = append(op.pending, data)
}

func inOperation(ctx context.Context, e *Engine) bool {
	owner, _ := ctx.Value(guardKey{}).(*Engine)
	return owner == e
}

// run executes fn as one atomic operation. Reentrant calls fail with
// domain.ErrReentrantCall. On error every piece of engine state is
// restored from the checkpoint; on success state is persisted and buffered
// events are emitted after the lock is released.
func (e *Engine) run(ctx context.Context, name string, caller domain.Address, fn func(context.Context, *operation) error) error {
	if inOperation(ctx, e) {
		return fmt.Errorf("%w: %s", domain.ErrReentrantCall, name)
	}

	pending, err := e.exec(ctx, name, caller, fn)
	if err != nil {
		return err
	}
	if e.events != nil {
		for _, data := range pending {
			e.events.Emit(eventModule, data)
		}
	}
	return nil
}

func (e *Engine) exec(ctx context.Context, name string, caller domain.Address, fn func(context.Context, *operation) error) (pending []events.EventData, err error) {
	if err := e.acquire(ctx, name); err != nil {
		return nil, err
	}
	defer e.release()

	op, err := e.begin(ctx, name, caller)
	if err != nil {
		return nil, err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		e.rollback(ctx, op)
		// Reserved proceeds outlive the failed operation
		if !e.reserved.Equals(op.reserved) {
			e.persist(ctx, op)
		}
	}()

	if err := fn(context.WithValue(ctx, guardKey{}, e), op); err != nil {
		op.log.Warn().Err(err).Dur("duration", time.Since(op.start)).Msg("Operation failed, state restored")
		return nil, err
	}

	e.commit(ctx, op)
	committed = true
	op.log.Info().Dur("duration", time.Since(op.start)).Msg("Operation committed")
	return op.pending, nil
}

func (e *Engine) begin(ctx context.Context, name string, caller domain.Address) (*operation, error) {
	held, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to read custody balance: %w", err)
	}

	id := uuid.New().String()
	op := &operation{
		id:     id,
		name:   name,
		caller: caller,
		start:  time.Now(),
		log: e.log.With().
			Str("operation", name).
			Str("operation_id", id).
			Str("caller", string(caller)).
			Logger(),
		idle:             e.idle,
		reserved:         e.reserved,
		weights:          e.weights.Entries(),
		distributed:      make(map[domain.SourceID]domain.Amount, len(e.distributed)),
		custody:          held,
		creditOnRollback: true,
	}
	for k, v := range e.distributed {
		op.distributed[k] = v
	}
	e.ledger.Begin()
	return op, nil
}

// rollback restores internal state. External transfers cannot be undone,
// so idle is reconciled against the custody balance movement.
func (e *Engine) rollback(ctx context.Context, op *operation) {
	e.ledger.Rollback()
	if err := e.weights.Set(op.weights); err != nil {
		op.log.Error().Err(err).Msg("Failed to restore weight table")
	}
	e.distributed = op.distributed
	e.reserved = op.reserved

	idle := op.idle
	held, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
	if err != nil {
		op.log.Error().Err(err).Msg("Failed to read custody balance during rollback")
		e.idle = idle
		return
	}
	switch {
	case op.creditOnRollback:
		if held.Cmp(op.custody) >= 0 {
			idle = idle.Add(held.Sub(op.custody))
		} else {
			idle = domain.SubFloor(idle, op.custody.Sub(held))
		}
	case op.reserveOnRollback && held.Cmp(op.custody) > 0:
		e.reserved = e.reserved.Add(held.Sub(op.custody))
	}
	e.idle = domain.Min(idle, held)
	e.reserved = domain.Min(e.reserved, held.Sub(e.idle))

	if !e.idle.Equals(op.idle) || !e.reserved.Equals(op.reserved) {
		op.log.Warn().
			Str("idle_before", op.idle.String()).
			Str("idle_after", e.idle.String()).
			Str("reserved_after", e.reserved.String()).
			Msg("Idle reconciled after external movements")
	}
}

func (e *Engine) commit(ctx context.Context, op *operation) {
	e.ledger.Commit()
	e.persist(ctx, op)
}

// persist saves the engine's current state. A failure is reported and the
// next save rewrites every holding.
func (e *Engine) persist(ctx context.Context, op *operation) {
	if e.store == nil {
		return
	}

	st := &State{
		TotalShares:   e.ledger.TotalSupply(),
		Weights:       e.weights.Entries(),
		Idle:          e.idle,
		Reserved:      e.reserved,
		Distributions: make(map[domain.SourceID]domain.Amount, len(e.distributed)),
	}
	for k, v := range e.distributed {
		st.Distributions[k] = v
	}
	if e.fullSave {
		e.ledger.TakeDirty()
		st.Holdings = e.ledger.Holders()
		st.FullHoldings = true
	} else {
		st.Holdings = e.ledger.TakeDirty()
	}

	if err := e.store.Save(ctx, st); err != nil {
		e.fullSave = true
		op.log.Error().Err(err).Msg("Failed to persist vault state")
		if e.events != nil {
			op.emit(&events.ErrorEventData{
				Error:   err.Error(),
				Context: map[string]interface{}{"operation": op.name, "operation_id": op.id},
			})
		}
		return
	}
	e.fullSave = false
}

// read runs fn under the engine lock, or directly when called from inside
// an operation so callbacks observe the operation's current state.
func (e *Engine) read(ctx context.Context, fn func() error) error {
	if inOperation(ctx, e) {
		return fn()
	}
	if err := e.acquire(ctx, "read"); err != nil {
		return err
	}
	defer e.release()
	return fn()
}

// acquire takes the engine lock, giving up when ctx ends or after
// Config.LockWait with domain.ErrEngineBusy.
func (e *Engine) acquire(ctx context.Context, name string) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(e.cfg.LockWait)
	defer timer.Stop()
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", name, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s waited %s for the running operation", domain.ErrEngineBusy, name, e.cfg.LockWait)
	}
}

func (e *Engine) release() {
	<-e.lock
}
