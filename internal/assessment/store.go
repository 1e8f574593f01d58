package assessment

import (
	"context"
	"time"
)

// SubmittedAnswer is what the engine writes into a pending response row when
// the test-taker answers.
type SubmittedAnswer struct {
	ResponseData  map[string]any
	IsCorrect     bool
	RawScore      float64
	TimeTaken     *int
	MediaKey      string
	ASRTranscript string
	SubmittedAt   time.Time
}

// Progress is the session-level update that accompanies an answer.
type Progress struct {
	Ability       float64
	StandardError float64
}

// HistoryFilter narrows student history reads.
type HistoryFilter struct {
	ResultType string // P|S|W, empty for all
	Limit      int
	Offset     int
}

// HistoryEntry joins a result with its session timing for history views.
type HistoryEntry struct {
	Result      Result       `json:"result"`
	TemplateID  string       `json:"template_id"`
	Type        TemplateType `json:"type"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Store is the durable session store. Every mutation that represents one
// state-machine transition commits atomically; optimistic concurrency is
// keyed by (sessionID, currentIndex).
type Store interface {
	// Templates, configs, assignments.
	CreateTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, id string) (Template, error)
	PutConfig(ctx context.Context, c Config) error
	GetConfig(ctx context.Context, templateID string) (Config, error)
	SetTemplateItems(ctx context.Context, templateID string, items []TemplateItem) error
	ListTemplateItems(ctx context.Context, templateID string) ([]TemplateItem, error)
	CreateAssignment(ctx context.Context, a AssignedAssessment) error
	GetAssignment(ctx context.Context, id string) (AssignedAssessment, error)
	ListAssignmentsForTaker(ctx context.Context, testTakerID string) ([]AssignedAssessment, error)

	// Sessions. CreateSession atomically inserts the session, flips the
	// assignment to IN_PROGRESS and, when first is non-nil, records the
	// first presented item as a pending response.
	CreateSession(ctx context.Context, s Session, first *Response) error
	GetSession(ctx context.Context, id string) (Session, error)
	// ActiveSession returns the IN_PROGRESS session of an assignment, or
	// ErrNotFound.
	ActiveSession(ctx context.Context, assignedID string) (Session, error)
	ListResponses(ctx context.Context, sessionID string) ([]Response, error)

	// SubmitAnswer fills the pending response at expectedIndex, advances
	// currentIndex by one, updates theta/SE and questionsAnswered, and
	// (when next is non-nil) records the next pending response, all in
	// one transaction guarded by currentIndex == expectedIndex. Returns
	// ErrConflict on a lost race and ErrAlreadyAnswered when the row was
	// already submitted.
	SubmitAnswer(ctx context.Context, sessionID string, expectedIndex int, itemID string, ans SubmittedAnswer, prog Progress, next *Response) error

	// UpdateStatus moves an IN_PROGRESS session to a terminal status
	// without producing a result (cancel, expire).
	UpdateStatus(ctx context.Context, sessionID string, status SessionStatus, at time.Time) error

	// Finalize writes the result and its recommendations, marks the
	// session and the assignment COMPLETED in one transaction.
	Finalize(ctx context.Context, sessionID string, res Result, recs []RecommendedItem, at time.Time) error

	// ExpireStale marks IN_PROGRESS sessions past expires_at as EXPIRED
	// and returns how many were flipped.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)

	// Results and recommendations.
	// ValidateResult marks a result as reviewed by staff. Idempotent.
	ValidateResult(ctx context.Context, resultID string) error
	GetResultBySession(ctx context.Context, sessionID string) (Result, error)
	GetResult(ctx context.Context, resultID string) (Result, error)
	ListRecommendations(ctx context.Context, resultID string) ([]RecommendedItem, error)
	// ReplaceRecommendations atomically swaps the full recommendation set
	// of a result (manual override).
	ReplaceRecommendations(ctx context.Context, resultID string, rows []RecommendedItem) error
	ListHistory(ctx context.Context, testTakerID string, f HistoryFilter) ([]HistoryEntry, error)
}
