package simulation

import (
	"context"
	"fmt"

	"github.com/atmx/contagion-engine/internal/bank"
	"github.com/atmx/contagion-engine/internal/command"
	"github.com/atmx/contagion-engine/internal/model"
)

// Control applies a command between steps. A command issued in a status that
// does not allow it is rejected with ErrNotAllowed and changes nothing.
func (o *Orchestrator) Control(ctx context.Context, cmd *command.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	err := o.controlLocked(cmd)
	pending := o.takePending()
	o.mu.Unlock()

	o.dispatch(ctx, pending)
	if err == nil && (cmd.Name == command.Resume || cmd.Name == command.Stop) {
		o.signal()
	}
	return err
}

func (o *Orchestrator) controlLocked(cmd *command.Command) error {
	if !cmd.AllowedIn(o.status) {
		return fmt.Errorf("%w: %s while %s", ErrNotAllowed, cmd.Name, o.status)
	}

	var target *bank.Bank
	if cmd.Mutates() {
		b, err := o.lookup(*cmd.BankID)
		if err != nil {
			return err
		}
		if cmd.Name == command.AddCapital && b.IsDefaulted() {
			return fmt.Errorf("%w: bank %d", ErrBankDefaulted, b.ID())
		}
		target = b
	}

	switch cmd.Name {
	case command.Pause:
		o.status = model.StatusPaused
	case command.Resume:
		o.status = model.StatusRunning
	case command.Stop:
		o.status = model.StatusStopped
	case command.AddCapital:
		target.Sheet().AddCapital(cmd.Amount)
	case command.DeleteBank:
		o.deleteBank(target)
	}

	ev := model.ControlEvent{Command: cmd.Name, BankID: cmd.BankID}
	if cmd.Name == command.AddCapital {
		amt := cmd.Amount
		ev.Amount = &amt
	}
	o.emit(model.EventControl, ev)
	o.log.Info("control command applied", "command", cmd.Name, "step", o.step, "status", o.status)

	if cmd.Name == command.Stop {
		o.finish()
	}
	return nil
}

func (o *Orchestrator) lookup(id int) (*bank.Bank, error) {
	b := o.bank(id)
	if b == nil || b.IsRemoved() {
		return nil, fmt.Errorf("%w: %d", ErrBankNotFound, id)
	}
	return b, nil
}

// deleteBank takes a bank out of the arena and settles its books:
//
//  1. its market positions are closed into cash and leave the markets
//  2. its borrowers repay what they can; the rest is forgiven
//  3. its creditors are paid from its cash; any shortfall is their loss
func (o *Orchestrator) deleteBank(b *bank.Bank) {
	s := b.Sheet()
	for _, id := range s.MarketIDs() {
		released := s.Liquidate(id)
		if m := o.byMarket[id]; m != nil {
			m.Withdraw(released)
		}
	}

	asLender, asBorrower := o.topo.Detach(b.ID())
	for _, e := range asLender {
		debtor := o.bank(e.Borrower).Sheet()
		paid := debtor.Repayable(e.Amount)
		debtor.Repay(paid)
		debtor.ForgiveDebt(e.Amount.Sub(paid))
		s.Settle(e.Amount, paid)
	}
	for _, e := range asBorrower {
		paid := s.Repayable(e.Amount)
		s.Repay(paid)
		s.ForgiveDebt(e.Amount.Sub(paid))
		o.bank(e.Lender).Sheet().Settle(e.Amount, paid)
	}

	b.MarkRemoved()
	o.log.Info("bank deleted", "bank", b.ID(), "loans_settled", len(asLender), "debts_settled", len(asBorrower))
}
