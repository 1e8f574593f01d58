package assessment

import (
	"time"

	"github.com/upswing/flightpath/internal/irt"
)

type TemplateType string

const (
	TypePlacement TemplateType = "PLACEMENT"
	TypeSpeaking  TemplateType = "SPEAKING"
	TypeWriting   TemplateType = "WRITING"
)

// ResultType tags a Result row with the flow that produced it.
func (t TemplateType) ResultType() string {
	switch t {
	case TypeSpeaking:
		return "S"
	case TypeWriting:
		return "W"
	default:
		return "P"
	}
}

type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionCancelled  SessionStatus = "CANCELLED"
	SessionExpired    SessionStatus = "EXPIRED"
)

type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "PENDING"
	AssignmentInProgress AssignmentStatus = "IN_PROGRESS"
	AssignmentCompleted  AssignmentStatus = "COMPLETED"
	AssignmentExpired    AssignmentStatus = "EXPIRED"
)

// SkillArea bounds how many items a skill may receive in one session.
// MaxQuestions 0 means unbounded.
type SkillArea struct {
	Skill        string `json:"skill"`
	MinQuestions int    `json:"min_questions,omitempty"`
	MaxQuestions int    `json:"max_questions,omitempty"`
}

// AdaptiveParams are the CAT tunables of a placement template.
type AdaptiveParams struct {
	StartingAbility  float64     `json:"starting_ability"`
	MinQuestions     int         `json:"min_questions"`
	MaxQuestions     int         `json:"max_questions"`
	StoppingSE       float64     `json:"stopping_se"`
	SkillAreas       []SkillArea `json:"skill_areas"`
	TimeLimitMinutes int         `json:"time_limit_minutes,omitempty"`
}

// Defaults mirrors the platform-wide adaptive defaults.
func DefaultAdaptiveParams() AdaptiveParams {
	return AdaptiveParams{
		StartingAbility: 0,
		MinQuestions:    10,
		MaxQuestions:    25,
		StoppingSE:      0.3,
		SkillAreas: []SkillArea{
			{Skill: "grammar"}, {Skill: "vocabulary"}, {Skill: "reading"},
		},
		TimeLimitMinutes: 120,
	}
}

func (p AdaptiveParams) Skills() []string {
	out := make([]string, 0, len(p.SkillAreas))
	for _, s := range p.SkillAreas {
		out = append(out, s.Skill)
	}
	return out
}

// DiagnosticParams configure the non-adaptive speaking/writing flows.
type DiagnosticParams struct {
	// CriteriaWeights maps rubric criterion keys to their weight; weights
	// are normalized at scoring time.
	CriteriaWeights map[string]float64 `json:"criteria_weights"`
	// BatchResponses lets the client submit every response in one call.
	BatchResponses   bool `json:"batch_responses,omitempty"`
	TimeLimitMinutes int  `json:"time_limit_minutes,omitempty"`
}

// Rubric is the criteria sheet snapshotted into a session.
type Rubric struct {
	Criteria []RubricCriterion `json:"criteria"`
}

type RubricCriterion struct {
	Key       string  `json:"key"`
	Desc      string  `json:"desc,omitempty"`
	MaxPoints float64 `json:"max_points"`
}

// Template is an assessment blueprint. Published templates are immutable;
// edits bump the version and in-flight sessions keep their snapshot.
type Template struct {
	ID          string       `json:"id"`
	PathwayID   string       `json:"pathway_id"`
	Name        string       `json:"name"`
	Type        TemplateType `json:"type"`
	Rubric      Rubric       `json:"rubric"`
	Version     int          `json:"version"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
	Active      bool         `json:"active"`
}

// Config holds the active tunables for one template.
type Config struct {
	TemplateID string           `json:"template_id"`
	Adaptive   AdaptiveParams   `json:"adaptive_params"`
	Speaking   DiagnosticParams `json:"speaking_params"`
	Writing    DiagnosticParams `json:"writing_params"`
	Active     bool             `json:"active"`
}

// TemplateItem fixes the item order of non-adaptive templates.
type TemplateItem struct {
	TemplateID string `json:"template_id"`
	ItemID     string `json:"item_id"`
	Order      int    `json:"order"`
}

// TemplateSnapshot is the frozen view of template + config captured at
// session start. The whole attempt runs off this snapshot even if the
// template is edited meanwhile.
type TemplateSnapshot struct {
	TemplateID string           `json:"template_id"`
	PathwayID  string           `json:"pathway_id"`
	Name       string           `json:"name"`
	Type       TemplateType     `json:"type"`
	Version    int              `json:"version"`
	Adaptive   AdaptiveParams   `json:"adaptive_params"`
	Speaking   DiagnosticParams `json:"speaking_params,omitempty"`
	Writing    DiagnosticParams `json:"writing_params,omitempty"`
	// ItemIDs is the fixed item order for SPEAKING/WRITING templates.
	ItemIDs []string `json:"item_ids,omitempty"`
}

// Diagnostic returns the fixed-form params matching the snapshot's type.
func (t TemplateSnapshot) Diagnostic() DiagnosticParams {
	if t.Type == TypeSpeaking {
		return t.Speaking
	}
	return t.Writing
}

// AssignedAssessment grants one attempt of a template to a test-taker.
type AssignedAssessment struct {
	ID            string           `json:"id"`
	TemplateID    string           `json:"template_id"`
	TestTakerID   string           `json:"test_taker_id"`
	TestTakerType string           `json:"test_taker_type,omitempty"` // student|guest
	AssignedBy    string           `json:"assigned_by,omitempty"`
	AssignedAt    time.Time        `json:"assigned_at"`
	DueAt         *time.Time       `json:"due_at,omitempty"`
	Status        AssignmentStatus `json:"status"`
	Notes         string           `json:"notes,omitempty"`
}

// Session is one concrete attempt at an assignment.
type Session struct {
	ID                string           `json:"id"`
	AssignedID        string           `json:"assigned_id"`
	CurrentAbility    float64          `json:"current_ability"`
	StandardError     float64          `json:"standard_error"`
	QuestionsAnswered int              `json:"questions_answered"`
	CurrentIndex      int              `json:"current_index"`
	Status            SessionStatus    `json:"status"`
	Template          TemplateSnapshot `json:"template_snapshot"`
	Rubric            Rubric           `json:"rubric_snapshot"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	ExpiresAt         time.Time        `json:"expires_at"`
}

func (s Session) TimeExpired(now time.Time) bool { return now.After(s.ExpiresAt) }

func (s Session) CanAcceptAnswer(now time.Time) bool {
	return s.Status == SessionInProgress && !s.TimeExpired(now)
}

// Response is one presented item in a session. A row with SubmittedAt unset
// is pending: the question is on screen but not yet answered. Rows are
// append-only and unique per (session, item) and (session, index).
type Response struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	ItemID        string          `json:"item_id"`
	Index         int             `json:"index"`
	ResponseData  map[string]any  `json:"response_data,omitempty"`
	IsCorrect     *bool           `json:"is_correct,omitempty"`
	RawScore      *float64        `json:"raw_score,omitempty"`
	PresentedAt   time.Time       `json:"presented_at"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	TimeTaken     *int            `json:"time_taken,omitempty"`
	MediaKey      string          `json:"media_key,omitempty"`
	ASRTranscript string          `json:"asr_transcript,omitempty"`
	Params        irt.ItemParams  `json:"-"`
	Skill         string          `json:"-"`
}

func (r Response) Pending() bool { return r.SubmittedAt == nil }

func (r Response) Score() float64 {
	if r.RawScore != nil {
		return *r.RawScore
	}
	if r.IsCorrect != nil && *r.IsCorrect {
		return 1
	}
	return 0
}

// SkillScore is the per-skill slice of a result.
type SkillScore struct {
	Theta float64 `json:"theta"`
	CEFR  string  `json:"cefr"`
}

// Result is the immutable final measurement of a completed session.
type Result struct {
	ID               string                `json:"id"`
	SessionID        string                `json:"session_id"`
	ProficiencyLevel string                `json:"proficiency_level"`
	SkillScores      map[string]SkillScore `json:"skill_scores"`
	OverallScore     float64               `json:"overall_score"`
	ResultType       string                `json:"result_type"`
	// Information carries measurement metadata: final SE, question count,
	// stop reason, and per-criterion scores for diagnostic flows.
	Information map[string]any `json:"information_metric,omitempty"`
	Validated   bool           `json:"validated"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RecommendedItem is one row of a learning plan.
type RecommendedItem struct {
	ID           string     `json:"id"`
	ResultID     string     `json:"result_id"`
	ContentID    string     `json:"content_id"`
	ContentType  string     `json:"content_type"` // course|lesson
	TargetSkill  string     `json:"target_skill"`
	SkillGapSize float64    `json:"skill_gap_size"`
	Rationale    string     `json:"rationale,omitempty"`
	Priority     int        `json:"priority_order"`
	Source       string     `json:"source"` // AUTO|MANUAL
	OverriddenBy string     `json:"overridden_by,omitempty"`
	OverriddenAt *time.Time `json:"overridden_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
