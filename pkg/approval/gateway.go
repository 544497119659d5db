// Package approval decides, for every tool call the agent wants to make,
// whether it runs without asking or goes to the human.
//
// Rules are applied in order:
//  1. always-allowed tools (the completion tool, plan entry)
//  2. shell commands matching the allow-list
//  3. web searches, scoped to the configured domains
//  4. clarifying questions, answered on a questions surface
//  5. plan exit, reviewed on a plan surface
//  6. everything else, on a tool approval surface
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/odvcencio/conductor/pkg/config"
	"github.com/odvcencio/conductor/pkg/engine"
	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/telemetry"
	"github.com/odvcencio/conductor/pkg/toolcall"
	"github.com/odvcencio/conductor/pkg/uistate"
)

// Messages returned to the agent on denial.
const (
	MessageInterrupted  = "Tool approval was interrupted."
	MessageUserDenied   = "The user denied this tool call."
	MessageKeepPlanning = "The user wants to keep planning."
)

// Decision sources, used as the metrics "source" label.
const (
	SourceAlwaysAllow = "always_allow"
	SourceAllowList   = "allow_list"
	SourceWebSearch   = "web_search"
	SourceHuman       = "human"
	SourceInterrupted = "interrupted"
)

// Surfaces is the slice of the UI store the gateway suspends on.
type Surfaces interface {
	Await(ctx context.Context, item uistate.Pending) (uistate.Response, error)
	RestorePersistentInput() bool
}

// Options configures a Gateway.
type Options struct {
	Config config.ApprovalConfig
	// CompletionTool is the engine-facing completion tool name; it is
	// always allowed.
	CompletionTool string
	Surfaces       Surfaces
	Notifier       Notifier
	Metrics        DecisionRecorder
	Events         telemetry.Publisher
	Logger         *logging.Logger
}

// Gateway implements the approval callback handed to the engine.
type Gateway struct {
	surfaces    Surfaces
	notifier    Notifier
	metrics     DecisionRecorder
	events      telemetry.Publisher
	logger      *logging.Logger
	allowList   *AllowList
	alwaysAllow map[string]struct{}
	shellTools  map[string]struct{}
	webSearch   map[string]struct{}
	domains     []string
	questions   string
	plan        string
	read        fileReader

	// human holds one token per live surface; concurrent calls queue on it.
	human     chan struct{}
	mu        sync.Mutex
	teardowns uint64
}

// errTornDown is returned to queued calls whose turn was torn down while they
// waited for the human.
var errTornDown = errors.New("approval: surface torn down while queued")

// NewGateway builds a gateway from opts.
func NewGateway(opts Options) *Gateway {
	g := &Gateway{
		surfaces:    opts.Surfaces,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		events:      opts.Events,
		logger:      opts.Logger,
		allowList:   NewAllowList(opts.Config.AllowCommands),
		alwaysAllow: toSet(opts.Config.AlwaysAllow),
		shellTools:  toSet(opts.Config.ShellTools),
		webSearch:   toSet(opts.Config.WebSearchTools),
		domains:     append([]string(nil), opts.Config.AllowedDomains...),
		questions:   opts.Config.QuestionTool,
		plan:        opts.Config.PlanTool,
		read:        readFile,
		human:       make(chan struct{}, 1),
	}
	if opts.CompletionTool != "" {
		g.alwaysAllow[opts.CompletionTool] = struct{}{}
	}
	if g.notifier == nil {
		g.notifier = nopNotifier{}
	}
	if g.metrics == nil {
		g.metrics = nopRecorder{}
	}
	if g.events == nil {
		g.events = telemetry.Nop{}
	}
	if g.logger == nil {
		g.logger = logging.Nop()
	}
	return g
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// SetAllowCommands swaps the shell allow-list. Safe to call while decisions
// are in flight.
func (g *Gateway) SetAllowCommands(patterns []string) {
	g.allowList.Set(patterns)
	g.logger.Info(logging.CategoryApproval, "allowlist.reloaded", "shell allow-list replaced", map[string]any{
		"patterns": len(patterns),
	})
}

// AllowList exposes the live allow-list.
func (g *Gateway) AllowList() *AllowList {
	return g.allowList
}

// Approve adapts the gateway to engine.ApproveFunc.
func (g *Gateway) Approve() engine.ApproveFunc {
	return g.Decide
}

// Decide returns the decision for one tool call. It blocks while a human
// surface is open and never returns an error: failures become a denial.
func (g *Gateway) Decide(ctx context.Context, req engine.ApprovalRequest) (decision engine.Decision) {
	source := SourceHuman
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(logging.CategoryApproval, "decide.panic", fmt.Sprint(r), map[string]any{"tool": req.ToolName})
			decision = engine.Deny(MessageInterrupted)
			source = SourceInterrupted
		}
		g.record(req, decision, source)
	}()

	name := req.ToolName
	if _, ok := g.alwaysAllow[name]; ok {
		source = SourceAlwaysAllow
		return engine.Allow(req.Input)
	}
	if _, ok := g.shellTools[name]; ok {
		if cmd, _ := req.Input["command"].(string); g.allowList.Match(cmd) {
			source = SourceAllowList
			return engine.Allow(req.Input)
		}
	}
	if _, ok := g.webSearch[name]; ok {
		source = SourceWebSearch
		return engine.Allow(g.scopeSearch(req.Input))
	}

	// Everything below suspends on a human.
	defer g.surfaces.RestorePersistentInput()

	release, err := g.acquire(ctx)
	if err != nil {
		g.logger.Info(logging.CategoryApproval, "surface.skipped", err.Error(), map[string]any{
			"tool":    name,
			"call_id": req.CallID,
		})
		source = SourceInterrupted
		return engine.Deny(MessageInterrupted)
	}
	defer release()

	switch {
	case name == g.questions && name != "":
		decision, err = g.askQuestions(ctx, req)
	case name == g.plan && name != "":
		decision, err = g.reviewPlan(ctx, req)
	default:
		decision, err = g.askApproval(ctx, req)
	}
	if err != nil {
		if errors.Is(err, uistate.ErrAbandoned) {
			g.markTornDown()
		}
		g.logger.Warn(logging.CategoryApproval, "surface.failed", err.Error(), map[string]any{
			"tool":    name,
			"call_id": req.CallID,
		})
		source = SourceInterrupted
		return engine.Deny(MessageInterrupted)
	}
	return decision
}

// acquire waits until no other call holds a human surface. A call that was
// queued when the live surface was torn down fails with errTornDown.
func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	g.mu.Lock()
	seen := g.teardowns
	g.mu.Unlock()

	select {
	case g.human <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-g.human }

	g.mu.Lock()
	stale := g.teardowns != seen
	g.mu.Unlock()
	if stale {
		release()
		return nil, errTornDown
	}
	return release, nil
}

func (g *Gateway) markTornDown() {
	g.mu.Lock()
	g.teardowns++
	g.mu.Unlock()
}

func (g *Gateway) record(req engine.ApprovalRequest, d engine.Decision, source string) {
	g.metrics.ObserveApproval(req.ToolName, string(d.Behavior), source)
	g.events.Publish(telemetry.Event{
		Type: telemetry.EventApprovalDecided,
		Data: map[string]any{"tool": req.ToolName, "call_id": req.CallID, "decision": string(d.Behavior), "source": source},
	})
	g.logger.Info(logging.CategoryApproval, "decision", string(d.Behavior), map[string]any{
		"tool":    req.ToolName,
		"call_id": req.CallID,
		"source":  source,
	})
}

func (g *Gateway) scopeSearch(input map[string]any) map[string]any {
	out := copyInput(input)
	if len(g.domains) > 0 {
		domains := make([]any, len(g.domains))
		for i, d := range g.domains {
			domains[i] = d
		}
		out["allowed_domains"] = domains
	}
	return out
}

func (g *Gateway) askApproval(ctx context.Context, req engine.ApprovalRequest) (engine.Decision, error) {
	resp, err := g.surfaces.Await(ctx, uistate.Pending{
		Kind:     uistate.SurfaceToolApproval,
		Title:    toolcall.Describe(req.ToolName, req.Input),
		Prompt:   "Allow this tool call?",
		Options:  uistate.ApprovalOptions(),
		Detail:   previewDetail(req.ToolName, req.Input, g.read),
		ToolName: req.ToolName,
	})
	if err != nil {
		return engine.Decision{}, err
	}
	if resp.Choice == uistate.ChoiceAllow {
		return engine.Allow(req.Input), nil
	}
	return engine.Deny(denyMessage(resp.Text, MessageUserDenied)), nil
}

func (g *Gateway) reviewPlan(ctx context.Context, req engine.ApprovalRequest) (engine.Decision, error) {
	plan, _ := req.Input["plan"].(string)
	resp, err := g.surfaces.Await(ctx, uistate.Pending{
		Kind:     uistate.SurfacePlan,
		Title:    "Review plan",
		Prompt:   "Proceed with this plan?",
		Options:  uistate.PlanOptions(),
		Detail:   plan,
		ToolName: req.ToolName,
	})
	if err != nil {
		return engine.Decision{}, err
	}
	if resp.Choice != uistate.ChoiceAccept {
		return engine.Deny(denyMessage(resp.Text, MessageKeepPlanning)), nil
	}
	g.events.Publish(telemetry.Event{Type: telemetry.EventPlanAccepted, Data: map[string]any{"tool": req.ToolName}})
	if nerr := g.notifier.PlanAccepted(ctx, plan); nerr != nil {
		g.logger.Warn(logging.CategoryApproval, "notify.failed", nerr.Error(), map[string]any{"tool": req.ToolName})
	}
	return engine.Allow(req.Input), nil
}

func (g *Gateway) askQuestions(ctx context.Context, req engine.ApprovalRequest) (engine.Decision, error) {
	questions := parseQuestions(req.Input)
	if len(questions) == 0 {
		return g.askApproval(ctx, req)
	}
	resp, err := g.surfaces.Await(ctx, uistate.Pending{
		Kind:      uistate.SurfaceQuestions,
		Title:     "The agent has questions",
		Questions: questions,
		ToolName:  req.ToolName,
	})
	if err != nil {
		return engine.Decision{}, err
	}

	answers := make(map[string]any, len(resp.Answers))
	for q, a := range resp.Answers {
		answers[q] = a
	}
	out := copyInput(req.Input)
	out["answers"] = answers
	return engine.Allow(out), nil
}

func parseQuestions(input map[string]any) []uistate.Question {
	raw, ok := input["questions"].([]any)
	if !ok {
		return nil
	}
	var out []uistate.Question
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		prompt, _ := m["question"].(string)
		if strings.TrimSpace(prompt) == "" {
			continue
		}
		q := uistate.Question{Prompt: prompt}
		q.Header, _ = m["header"].(string)
		q.MultiSelect, _ = m["multiSelect"].(bool)
		if opts, ok := m["options"].([]any); ok {
			for _, o := range opts {
				om, ok := o.(map[string]any)
				if !ok {
					continue
				}
				label, _ := om["label"].(string)
				if label == "" {
					continue
				}
				desc, _ := om["description"].(string)
				q.Options = append(q.Options, uistate.Option{Label: label, Value: label, Description: desc})
			}
		}
		out = append(out, q)
	}
	return out
}

func denyMessage(text, fallback string) string {
	if t := strings.TrimSpace(text); t != "" {
		return t
	}
	return fallback
}

func copyInput(input map[string]any) map[string]any {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	return out
}
