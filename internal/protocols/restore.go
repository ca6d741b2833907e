package protocols

import (
	"context"
	"fmt"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/scoring"
)

// RestoredConfirmation is a verifier confirmation replayed from the journal
// while rehydrating a two-party saga.
type RestoredConfirmation struct {
	Slot       int
	VerifierID string
	Token      string
	Evidence   []byte
}

// Restore rebuilds a still-live protocol from its journaled run record after
// a process restart. The run's params carry whatever durable state the
// protocol journaled at start (delivery target, code hash, slot tokens);
// confirmations replay saga progress.
func Restore(kind scoring.ProtocolKind, subjectID string, run *core.ProtocolRun, confirmations []RestoredConfirmation, deps Deps) (Protocol, error) {
	switch kind {
	case scoring.ProtocolCodeChallenge:
		target, _ := run.Params["target"].(string)
		hash, _ := run.Params["code_hash"].(string)
		if target == "" || hash == "" {
			return nil, fmt.Errorf("cannot restore code challenge %s: missing durable params", run.ID)
		}
		cc := newCodeChallenge(run, target, deps)
		cc.codeHash = []byte(hash)
		// Attempt counts are not journaled; a restart grants a fresh window.
		cc.run.State = core.RunWaiting
		cc.armDeadline(cc.expire)
		return cc, nil

	case scoring.ProtocolTwoParty:
		tok1, _ := run.Params["token_slot_1"].(string)
		tok2, _ := run.Params["token_slot_2"].(string)
		if tok1 == "" || tok2 == "" {
			return nil, fmt.Errorf("cannot restore two-party saga %s: missing tokens", run.ID)
		}
		tp := newTwoPartySaga(run, subjectID, deps)
		tp.tokens = [2]string{tok1, tok2}
		issued := tp.tokens
		tp.comp.Push(run.ID, "invalidate QR tokens", func() error {
			for _, tok := range issued {
				if err := deps.Tokens.Invalidate(context.Background(), tok); err != nil {
					return err
				}
			}
			return nil
		})
		for _, c := range confirmations {
			if c.Slot < 1 || c.Slot > 2 {
				continue
			}
			tp.confirmations[c.Slot] = &sagaConfirmation{
				verifierID: c.VerifierID,
				evidence:   c.Evidence,
				token:      c.Token,
			}
			verifierID, evidence := c.VerifierID, c.Evidence
			tp.comp.Push(run.ID, "revoke confirmation by "+verifierID, func() error {
				return deps.Revoke(context.Background(), run.ID, verifierID, evidence)
			})
		}
		tp.run.State = core.RunWaiting
		tp.armDeadline(tp.expire)
		return tp, nil

	case scoring.ProtocolHumanReview:
		docRef, _ := run.Params["document_ref"].(string)
		hr := newHumanReview(run, subjectID, docRef, deps)
		hr.reviewID, _ = run.Params["review_id"].(string)
		// The review task is already enqueued; just resume the wait.
		hr.run.State = core.RunAwaitingReview
		hr.armDeadline(hr.expire)
		return hr, nil

	case scoring.ProtocolAttestation:
		ai := newAttestationIntake(run, deps)
		ai.run.State = core.RunWaiting
		ai.armDeadline(ai.expire)
		return ai, nil

	default:
		return nil, fmt.Errorf("no protocol registered for %s", run.Method)
	}
}
