package domain

// Goal statuses.
const (
	GoalPending   = "pending"
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalFailed    = "failed"
	GoalPaused    = "paused"
)

// Card columns, in pipeline order. Cancelled is an external exit.
const (
	ColumnBacklog   = "backlog"
	ColumnPlan      = "plan"
	ColumnImplement = "implement"
	ColumnTest      = "test"
	ColumnReview    = "review"
	ColumnDone      = "done"
	ColumnCancelled = "cancelled"
)

// Columns lists the forward pipeline sequence, backlog through done.
var Columns = []string{ColumnBacklog, ColumnPlan, ColumnImplement, ColumnTest, ColumnReview, ColumnDone}

// NextColumn returns the column immediately after c in the pipeline,
// or "" when c is terminal or unknown.
func NextColumn(c string) string {
	for i, col := range Columns {
		if col == c && i+1 < len(Columns) {
			return Columns[i+1]
		}
	}
	return ""
}

// TerminalColumn reports whether a card in column c can no longer move.
func TerminalColumn(c string) bool {
	return c == ColumnDone || c == ColumnCancelled
}

type Goal struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Status       string   `json:"status" enum:"pending,active,completed,failed,paused"`
	CardIDs      []string `json:"card_ids,omitempty"`
	Learning     *string  `json:"learning,omitempty"`
	LearningID   *string  `json:"learning_id,omitempty"`
	Error        *string  `json:"error,omitempty"`
	Source       *string  `json:"source,omitempty"`
	SourceID     *string  `json:"source_id,omitempty"`
	TotalTokens  int      `json:"total_tokens"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	StartedAt    *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

// ExecutorConfig holds per-card stage executor settings. Fix cards inherit
// the parent's config verbatim.
type ExecutorConfig struct {
	ModelPlan      string `json:"model_plan,omitempty" yaml:"model_plan"`
	ModelImplement string `json:"model_implement,omitempty" yaml:"model_implement"`
	ModelTest      string `json:"model_test,omitempty" yaml:"model_test"`
	ModelReview    string `json:"model_review,omitempty" yaml:"model_review"`
}

// ModelFor returns the configured model for a stage name, or "".
func (c ExecutorConfig) ModelFor(stage string) string {
	switch stage {
	case ColumnPlan:
		return c.ModelPlan
	case ColumnImplement:
		return c.ModelImplement
	case ColumnTest:
		return c.ModelTest
	case ColumnReview:
		return c.ModelReview
	}
	return ""
}

type Card struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Column       string         `json:"column" enum:"backlog,plan,implement,test,review,done,cancelled"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	IsFix        bool           `json:"is_fix"`
	ParentCardID *string        `json:"parent_card_id,omitempty"`
	NeedsFix     bool           `json:"needs_fix"`
	FixContext   *string        `json:"fix_context,omitempty"`
	Artifact     *string        `json:"artifact,omitempty"`
	Executor     ExecutorConfig `json:"executor"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

// Action is an immutable audit row for one executed decision.
type Action struct {
	ID          string  `json:"id"`
	GoalID      string  `json:"goal_id"`
	Type        string  `json:"type"`
	CardID      *string `json:"card_id,omitempty"`
	InputJSON   *string `json:"input_json,omitempty"`
	OutputJSON  *string `json:"output_json,omitempty"`
	Success     bool    `json:"success"`
	Error       *string `json:"error,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Log step kinds.
const (
	StepRead   = "read"
	StepQuery  = "query"
	StepThink  = "think"
	StepAct    = "act"
	StepRecord = "record"
	StepLearn  = "learn"
	StepError  = "error"
	StepInfo   = "info"
)

// LogEntry is short-lived loop telemetry, garbage-collected by ExpiresAt.
type LogEntry struct {
	ID          string  `json:"id"`
	Step        string  `json:"step" enum:"read,query,think,act,record,learn,error,info"`
	Content     string  `json:"content"`
	ContextJSON *string `json:"context_json,omitempty"`
	GoalID      *string `json:"goal_id,omitempty"`
	Timestamp   string  `json:"timestamp" format:"date-time"`
	ExpiresAt   string  `json:"expires_at" format:"date-time"`
}
