package journal

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/scoring"
)

// Fold replays a subject's journal through the scoring model and returns the
// derived snapshot. Fold is pure: the same journal and instant always produce
// the same snapshot, which is what makes crash recovery a replay.
func Fold(subjectID string, events []core.VerificationEvent, model *scoring.Model, now time.Time) *core.SubjectSnapshot {
	snap := &core.SubjectSnapshot{
		SubjectID:       subjectID,
		Class:           core.ClassIndividual,
		Completions:     make(map[core.Method][]core.MethodCompletion),
		ActiveProtocols: make(map[core.Method]*core.ProtocolRun),
	}

	classSeen := false
	for i := range events {
		ev := &events[i]
		snap.LastSeq = ev.Seq
		snap.UpdatedAt = ev.At

		if !classSeen {
			if c, ok := ev.Data["class"].(string); ok {
				snap.Class = core.SubjectClass(c)
				classSeen = true
			}
		}

		switch ev.Kind {
		case core.EventMethodStarted:
			run := &core.ProtocolRun{
				ID:        ev.ProtocolRunID,
				Method:    ev.Method,
				State:     core.RunWaiting,
				StartedAt: ev.At,
			}
			if d, ok := dataTime(ev.Data, "deadline"); ok {
				run.Deadline = d
			}
			if params, ok := ev.Data["params"].(map[string]interface{}); ok {
				run.Params = params
			}
			snap.ActiveProtocols[ev.Method] = run

		case core.EventMethodCompleted:
			delete(snap.ActiveProtocols, ev.Method)
			c := core.MethodCompletion{
				Method:        ev.Method,
				SequenceIndex: dataInt(ev.Data, "sequence_index", len(snap.Completions[ev.Method])+1),
				CompletedAt:   ev.At,
				EvidenceRef:   dataBytes(ev.Data, "evidence_ref"),
			}
			if exp, ok := dataTime(ev.Data, "expires_at"); ok {
				c.ExpiresAt = &exp
			}
			snap.Completions[ev.Method] = append(snap.Completions[ev.Method], c)

		case core.EventMethodFailed:
			delete(snap.ActiveProtocols, ev.Method)

		case core.EventMethodRevoked:
			delete(snap.ActiveProtocols, ev.Method)
			revokeLatest(snap.Completions[ev.Method], ev)

		case core.EventMethodExpired:
			// Expiry is derived from each completion's expires_at against
			// `now`; the event itself is the audit record of the sweep.

		case core.EventSnapshotRebuilt:
			if compacted, ok := decodeCheckpoint(ev.Data); ok {
				compacted.LastSeq = ev.Seq
				compacted.UpdatedAt = ev.At
				if classSeen {
					compacted.Class = snap.Class
				}
				snap = compacted
			}

		case core.EventLevelChanged, core.EventVerifierConfirmed,
			core.EventVerifierConfRevoked, core.EventAttestationReceived:
			// Audit-only entries; they carry no snapshot state.
		}
	}

	snap.Score = model.Score(snap.Completions, snap.Class, now)
	snap.Level = scoring.LevelFor(snap.Score)
	return snap
}

// revokeLatest marks the most recent non-revoked completion revoked, or the
// one named by sequence_index when the event carries it.
func revokeLatest(cs []core.MethodCompletion, ev *core.VerificationEvent) {
	if idx := dataInt(ev.Data, "sequence_index", 0); idx > 0 {
		for i := range cs {
			if cs[i].SequenceIndex == idx && cs[i].RevokedAt == nil {
				at := ev.At
				cs[i].RevokedAt = &at
				cs[i].RevocationReason = dataString(ev.Data, "reason")
				return
			}
		}
	}
	for i := len(cs) - 1; i >= 0; i-- {
		if cs[i].RevokedAt == nil {
			at := ev.At
			cs[i].RevokedAt = &at
			cs[i].RevocationReason = dataString(ev.Data, "reason")
			return
		}
	}
}

// EncodeCheckpoint serializes a snapshot into the payload of a
// snapshot_rebuilt marker event. The journal is never truncated; the marker
// only shortens replay on rehydration.
func EncodeCheckpoint(snap *core.SubjectSnapshot) map[string]interface{} {
	raw, err := json.Marshal(snap)
	if err != nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{"checkpoint": string(raw)}
}

func decodeCheckpoint(data map[string]interface{}) (*core.SubjectSnapshot, bool) {
	raw, ok := data["checkpoint"].(string)
	if !ok {
		return nil, false
	}
	var snap core.SubjectSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false
	}
	if snap.Completions == nil {
		snap.Completions = make(map[core.Method][]core.MethodCompletion)
	}
	if snap.ActiveProtocols == nil {
		snap.ActiveProtocols = make(map[core.Method]*core.ProtocolRun)
	}
	return &snap, true
}

// Payload helpers. Event data survives JSON round-trips through the storage
// backends, so numbers arrive as float64 and timestamps as RFC 3339 strings.

func dataString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func dataInt(data map[string]interface{}, key string, fallback int) int {
	if data == nil {
		return fallback
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func dataTime(data map[string]interface{}, key string) (time.Time, bool) {
	if data == nil {
		return time.Time{}, false
	}
	switch v := data[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

func dataBytes(data map[string]interface{}, key string) []byte {
	if data == nil {
		return nil
	}
	switch v := data[key].(type) {
	case []byte:
		return v
	case string:
		if b, err := base64.StdEncoding.DecodeString(v); err == nil {
			return b
		}
		return []byte(v)
	default:
		return nil
	}
}
