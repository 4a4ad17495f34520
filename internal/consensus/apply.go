package consensus

import (
	"context"

	"github.com/Klingon-tech/klingnet-consensus/internal/journal"
	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
)

// Apply feeds one replayed event to the engine without journaling it again.
// It has the signature of journal.Handler.
func (e *Engine) Apply(ctx context.Context, ev journal.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return err
	}

	var err error
	switch ev.Kind {
	case journal.KindBlock:
		_, err = e.processBlockLocked(ctx, *ev.Block)
	case journal.KindSignature:
		_, err = e.addSignatureLocked(ev.Hash, ev.Validator, ev.Signature)
	case journal.KindValidatorAddition:
		_, err = e.rotator.RequestValidatorAddition(ev.Validator, ev.Stake, ev.PublicKey)
	case journal.KindValidatorExit:
		_, err = e.rotator.RequestValidatorExit(ev.Validator)
	case journal.KindMissedBlock:
		_, err = e.reportMissedLocked(ev.Validator, ev.Height)
	case journal.KindEvidence:
		_, err = e.submitEvidenceLocked(*ev.Evidence, ev.Height)
	case journal.KindCheckpoint:
		err = e.checkpoints.AcceptExternalCheckpoint(*ev.Checkpoint)
	}
	return err
}

// Replay rebuilds state by applying every event in j.
func (e *Engine) Replay(ctx context.Context, j *journal.Journal) (uint64, error) {
	defer klog.Benchmark("journal replay")()
	return journal.Replay(ctx, j, e.Apply)
}
