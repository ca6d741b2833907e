package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/journal"
	"github.com/1withall/nabr/internal/protocols"
	"github.com/1withall/nabr/internal/timers"
)

// rehydrate reconstructs the orchestrator from the journal: the snapshot is
// the fold, the idempotency log and attestor/sweep sets come from event
// payloads, and still-live protocol runs are re-registered with their
// journaled durable state.
func (o *Orchestrator) rehydrate(ctx context.Context) error {
	events, err := o.env.Store.Read(ctx, o.subjectID, 0)
	if err != nil {
		return fmt.Errorf("rehydrate read: %w", err)
	}

	snap, err := o.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate snapshot: %w", err)
	}

	// Integrity: the cached snapshot must equal a fresh fold. Divergence
	// means corrupt state; halting beats running with it.
	fresh := journal.Fold(o.subjectID, events, o.env.Store.Model(), o.env.now())
	if fresh.Score != snap.Score || fresh.LastSeq != snap.LastSeq {
		return fmt.Errorf("snapshot diverges from journal fold for %s (score %d vs %d)",
			o.subjectID, snap.Score, fresh.Score)
	}

	if len(events) > 0 {
		o.class = snap.Class
	}
	o.lastLevel = snap.Level

	// Saga progress: confirmations recorded but later revoked cancel out.
	confirmed := make(map[string][]protocols.RestoredConfirmation) // runID -> confirmations
	revoked := make(map[string]map[string]bool)                   // runID -> verifierID

	var pendingRevoke *string
	for i := range events {
		ev := &events[i]

		if cmdID := ev.CommandID(); cmdID != "" {
			switch ev.Kind {
			case core.EventMethodStarted:
				o.commands[cmdID] = commandOutcome{RunID: ev.ProtocolRunID, Accepted: true}
			case core.EventMethodRevoked:
				o.commands[cmdID] = commandOutcome{NewLevel: o.levelAt(events[:i+1]), Accepted: true}
				id := cmdID
				pendingRevoke = &id
			}
		}

		switch ev.Kind {
		case core.EventLevelChanged:
			if pendingRevoke != nil {
				prior := o.commands[*pendingRevoke]
				prior.NewLevel = o.levelAt(events[:i+1])
				o.commands[*pendingRevoke] = prior
				pendingRevoke = nil
			}
		case core.EventAttestationReceived:
			o.rememberAttestor(ev.Method, ev.ActorSubjectID)
		case core.EventMethodExpired:
			if exp, ok := ev.Data["expires_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, exp); err == nil {
					o.swept[string(ev.Method)+"/"+t.UTC().Format(time.RFC3339Nano)] = true
				}
			}
		case core.EventMethodFailed:
			if reason, ok := ev.Data["reason"].(string); ok && reason == "compensation_incomplete" {
				o.stuck = append(o.stuck, StuckRun{
					RunID:  ev.ProtocolRunID,
					Method: ev.Method,
					Reason: reason,
					At:     ev.At,
				})
			}
		case core.EventVerifierConfirmed:
			confirmed[ev.ProtocolRunID] = append(confirmed[ev.ProtocolRunID], protocols.RestoredConfirmation{
				Slot:       len(confirmed[ev.ProtocolRunID]) + 1,
				VerifierID: ev.ActorSubjectID,
			})
		case core.EventVerifierConfRevoked:
			if revoked[ev.ProtocolRunID] == nil {
				revoked[ev.ProtocolRunID] = make(map[string]bool)
			}
			revoked[ev.ProtocolRunID][ev.ActorSubjectID] = true
		}
	}

	// Re-register still-live protocol runs.
	for method, run := range snap.ActiveProtocols {
		kind := o.env.Store.Model().Policy(method).Protocol
		var confs []protocols.RestoredConfirmation
		for _, c := range confirmed[run.ID] {
			if !revoked[run.ID][c.VerifierID] {
				confs = append(confs, c)
			}
		}
		runCopy := *run
		p, err := protocols.Restore(kind, o.subjectID, &runCopy, confs, o.protocolDeps())
		if err != nil {
			o.logger.Printf("⚠️ Could not restore %s run %s: %v", method, run.ID, err)
			continue
		}
		o.active[method] = p
		go o.watchOutcome(p)
		if o.env.Metrics != nil {
			o.env.Metrics.ActiveProtocols.WithLabelValues(string(method)).Inc()
		}
	}

	// Re-arm decay timers; the scheduler deduplicates.
	if o.env.Scheduler != nil {
		for method, cs := range snap.Completions {
			for _, c := range cs {
				if c.RevokedAt == nil && c.ExpiresAt != nil {
					_ = o.env.Scheduler.Schedule(ctx, timers.ExpiryFire{
						SubjectID: o.subjectID,
						Method:    method,
						ExpiresAt: *c.ExpiresAt,
					})
				}
			}
		}
	}

	if len(events) > 0 {
		o.logger.Printf("♻️ Rehydrated subject %s: seq=%d score=%d level=%s active=%d",
			o.subjectID, snap.LastSeq, snap.Score, snap.Level, len(o.active))
	}
	return nil
}

// levelAt computes the level after a journal prefix, used to reconstruct
// recorded Revoke outcomes.
func (o *Orchestrator) levelAt(prefix []core.VerificationEvent) core.Level {
	return journal.Fold(o.subjectID, prefix, o.env.Store.Model(), o.env.now()).Level
}
