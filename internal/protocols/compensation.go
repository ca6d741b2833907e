package protocols

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// CompensationConfig bounds how hard a saga tries to undo its side effects.
type CompensationConfig struct {
	MaxRetries int           // attempts per undo operation
	RetryDelay time.Duration // base delay, doubled per retry
	MaxDelay   time.Duration // delay cap
}

// DefaultCompensationConfig returns the saga-wide defaults.
func DefaultCompensationConfig() CompensationConfig {
	return CompensationConfig{
		MaxRetries: 10,
		RetryDelay: 500 * time.Millisecond,
		MaxDelay:   60 * time.Second,
	}
}

// CompensationStack manages rollback functions for a saga's forward steps.
// Each run gets its own LIFO stack of undo operations: when a forward step
// fails, the stack is executed in reverse order of the completed steps. An
// undo that keeps failing after retries lands in the dead-letter log for
// operator attention, and the run is marked compensation-incomplete.
type CompensationStack struct {
	mu         sync.Mutex
	stacks     map[string][]compensationEntry // runID -> LIFO stack
	deadLetter []DeadLetterEntry
	logger     *log.Logger
	config     CompensationConfig
}

type compensationEntry struct {
	ID           string
	RunID        string
	Description  string
	UndoFn       func() error
	RegisteredAt time.Time
}

// CompensationResult captures the outcome of executing a single undo.
type CompensationResult struct {
	EntryID     string `json:"entry_id"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Retries     int    `json:"retries,omitempty"`
}

// DeadLetterEntry represents a compensation that failed after all retries.
type DeadLetterEntry struct {
	EntryID     string    `json:"entry_id"`
	RunID       string    `json:"run_id"`
	Description string    `json:"description"`
	LastError   string    `json:"last_error"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// NewCompensationStack creates a compensation stack with the given config.
func NewCompensationStack(cfg CompensationConfig) *CompensationStack {
	if cfg.MaxRetries == 0 {
		cfg = DefaultCompensationConfig()
	}
	return &CompensationStack{
		stacks: make(map[string][]compensationEntry),
		logger: log.New(log.Writer(), "[COMPENSATION] ", log.LstdFlags),
		config: cfg,
	}
}

// Push registers a compensating action for a run. Actions execute in LIFO
// order when Execute is called.
func (cs *CompensationStack) Push(runID, description string, undoFn func() error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry := compensationEntry{
		ID:           fmt.Sprintf("comp-%s-%d", runID, len(cs.stacks[runID])),
		RunID:        runID,
		Description:  description,
		UndoFn:       undoFn,
		RegisteredAt: time.Now(),
	}
	cs.stacks[runID] = append(cs.stacks[runID], entry)
}

// Commit clears a run's stack without executing it: the saga completed and
// its side effects stand.
func (cs *CompensationStack) Commit(runID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.stacks, runID)
}

// Execute runs all compensating actions for a run in LIFO order. Each undo
// is retried with exponential backoff up to MaxRetries; failed-after-retry
// entries go to the dead-letter log. Returns the per-entry results and
// whether every undo succeeded.
func (cs *CompensationStack) Execute(runID string) ([]CompensationResult, bool) {
	cs.mu.Lock()
	stack := cs.stacks[runID]
	delete(cs.stacks, runID)
	cs.mu.Unlock()

	if len(stack) == 0 {
		return nil, true
	}

	complete := true
	results := make([]CompensationResult, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		entry := stack[i]
		res := cs.runWithRetries(entry)
		results = append(results, res)
		if !res.Success {
			complete = false
		}
	}
	return results, complete
}

func (cs *CompensationStack) runWithRetries(entry compensationEntry) CompensationResult {
	delay := cs.config.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= cs.config.MaxRetries; attempt++ {
		lastErr = entry.UndoFn()
		if lastErr == nil {
			return CompensationResult{
				EntryID:     entry.ID,
				Description: entry.Description,
				Success:     true,
				Retries:     attempt - 1,
			}
		}
		if attempt < cs.config.MaxRetries {
			time.Sleep(delay)
			delay *= 2
			if delay > cs.config.MaxDelay {
				delay = cs.config.MaxDelay
			}
		}
	}

	cs.logger.Printf("❌ Compensation dead-lettered for run=%s: %s (%v)", entry.RunID, entry.Description, lastErr)
	cs.mu.Lock()
	cs.deadLetter = append(cs.deadLetter, DeadLetterEntry{
		EntryID:     entry.ID,
		RunID:       entry.RunID,
		Description: entry.Description,
		LastError:   lastErr.Error(),
		Attempts:    cs.config.MaxRetries,
		FailedAt:    time.Now(),
	})
	cs.mu.Unlock()

	return CompensationResult{
		EntryID:     entry.ID,
		Description: entry.Description,
		Success:     false,
		Error:       lastErr.Error(),
		Retries:     cs.config.MaxRetries - 1,
	}
}

// DeadLetters returns a copy of the dead-letter log.
func (cs *CompensationStack) DeadLetters() []DeadLetterEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]DeadLetterEntry, len(cs.deadLetter))
	copy(out, cs.deadLetter)
	return out
}
