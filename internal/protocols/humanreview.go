package protocols

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/1withall/nabr/internal/collab"
	"github.com/1withall/nabr/internal/core"
)

// humanReview submits a document reference to the external review queue and
// waits — potentially for weeks — on the review decision.
type humanReview struct {
	base
	subjectID string
	docRef    string
	reviewID  string
}

func newHumanReview(run *core.ProtocolRun, subjectID, docRef string, deps Deps) *humanReview {
	if run.Deadline.IsZero() {
		run.Deadline = deps.now().Add(DefaultReviewWindow)
	}
	return &humanReview{base: newBase(run, deps), subjectID: subjectID, docRef: docRef}
}

func (hr *humanReview) Start(ctx context.Context) error {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	if hr.run.State != core.RunPending {
		return nil
	}

	task := collab.ReviewTask{
		SubjectID:     hr.subjectID,
		Method:        string(hr.run.Method),
		ProtocolRunID: hr.run.ID,
		DocumentRef:   hr.docRef,
	}
	var reviewID string
	if err := collab.Retry(ctx, hr.deps.Retry, func() error {
		id, err := hr.deps.ReviewQueue.Enqueue(ctx, task)
		reviewID = id
		return err
	}); err != nil {
		hr.finish(core.RunFailed, "review_submission_failed", nil, nil)
		return fmt.Errorf("enqueue review: %w", err)
	}

	hr.reviewID = reviewID
	hr.run.Params = map[string]interface{}{"document_ref": hr.docRef, "review_id": reviewID}
	hr.run.State = core.RunAwaitingReview
	hr.armDeadline(hr.expire)
	return nil
}

func (hr *humanReview) Deliver(ctx context.Context, sig Signal) error {
	decision, ok := sig.(ReviewDecision)
	if !ok {
		return ErrWrongSignal
	}

	hr.mu.Lock()
	defer hr.mu.Unlock()

	if hr.run.State != core.RunAwaitingReview {
		return ErrNotWaiting
	}

	if decision.Approved {
		// Evidence is the document hash, never the document itself.
		sum := sha256.Sum256([]byte(hr.docRef))
		digest := hex.EncodeToString(sum[:])
		hr.finish(core.RunCompleted, "", []byte(digest), map[string]interface{}{
			"document_hash": digest,
			"review_id":     hr.reviewID,
		})
		return nil
	}

	reason := decision.Reason
	if reason == "" {
		reason = "rejected"
	}
	hr.finish(core.RunFailed, reason, nil, nil)
	return nil
}

func (hr *humanReview) Cancel(ctx context.Context) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.run.State.Terminal() {
		return
	}
	hr.finish(core.RunCancelled, "cancelled", nil, nil)
}

func (hr *humanReview) expire() {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.run.State.Terminal() {
		return
	}
	hr.finish(core.RunFailed, "timeout", nil, nil)
}
