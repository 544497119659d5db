package uistate

// SurfaceKind identifies the interactive surface a Pending item renders as.
type SurfaceKind string

const (
	SurfaceSelection       SurfaceKind = "selection"
	SurfaceText            SurfaceKind = "text"
	SurfaceToolApproval    SurfaceKind = "tool_approval"
	SurfaceQuestions       SurfaceKind = "questions"
	SurfacePlan            SurfaceKind = "plan"
	SurfacePersistentInput SurfaceKind = "persistent_input"
)

// Choices used by the approval and plan surfaces.
const (
	ChoiceAllow  = "allow"
	ChoiceDeny   = "deny"
	ChoiceAccept = "accept"
	ChoiceReject = "reject"
)

// Option is one selectable entry.
type Option struct {
	Label       string
	Value       string
	Description string
}

// Question is one step of a questions surface.
type Question struct {
	Header      string
	Prompt      string
	Options     []Option
	MultiSelect bool
}

// Pending is the single live interactive surface.
type Pending struct {
	ID    string
	Kind  SurfaceKind
	Title string
	// Prompt is the question or instruction shown above the input.
	Prompt      string
	Placeholder string
	Options     []Option
	Questions   []Question
	// Detail is pre-rendered context: a diff, a plan, or raw tool input.
	Detail   string
	ToolName string
}

// Response is the human's answer to a Pending item.
type Response struct {
	// Choice is the selected option value.
	Choice string
	// Text is free text: a typed message, deny reason or plan feedback.
	Text string
	// Answers maps each question prompt to the chosen label(s).
	Answers map[string]string
}

// ApprovalOptions are the choices on a tool approval surface.
func ApprovalOptions() []Option {
	return []Option{
		{Label: "Allow", Value: ChoiceAllow},
		{Label: "Deny", Value: ChoiceDeny, Description: "optionally tell the agent why"},
	}
}

// PlanOptions are the choices on a plan surface.
func PlanOptions() []Option {
	return []Option{
		{Label: "Accept plan", Value: ChoiceAccept},
		{Label: "Keep planning", Value: ChoiceReject, Description: "give the agent feedback"},
	}
}
