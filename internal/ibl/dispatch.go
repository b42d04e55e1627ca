package ibl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// RouterKind selects how an action executes.
type RouterKind string

const (
	RouterAPIEngine RouterKind = "api_engine"
	RouterHandler   RouterKind = "handler"
	RouterSystem    RouterKind = "system"
	RouterDriver    RouterKind = "driver"
	RouterWorkflow  RouterKind = "workflow_engine"
	RouterStub      RouterKind = "stub"
)

// PrevResultKey is the param key sequences use to pipe the previous
// step's output into the next step. Handlers read it for piped input.
const PrevResultKey = "_prev_result"

// HandlerFunc executes one invocation.
type HandlerFunc func(ctx context.Context, step Step) Result

// APITool is a registered HTTP-backed tool reached via the api_engine
// router.
type APITool interface {
	Name() string
	Call(ctx context.Context, target string, params map[string]any) (string, error)
}

// Driver is a device/database adapter reached via the driver router.
type Driver interface {
	Name() string
	Exec(ctx context.Context, caller Caller, target string, params map[string]any) (string, error)
}

// ActionSpec describes one action of a node.
type ActionSpec struct {
	Router      RouterKind
	Handle      HandlerFunc // handler and system routers
	API         string      // api_engine: registered tool name
	TargetKey   string      // handler router: param key the target is injected under
	Guide       string      // relative guide path attached on success
	Usage       string      // example shown on invalid input
	Phase       string      // stub router: expected phase id
	Description string
}

// VerbSpec routes a verb to one of several actions by a type token, taken
// from the "type" param or the first comma-separated token of the target.
type VerbSpec struct {
	Routes  map[string]string
	Default string
}

// Node is a domain grouping of actions.
type Node struct {
	Name        string
	Description string
	Actions     map[string]*ActionSpec
	Verbs       map[string]*VerbSpec
}

// Dispatcher resolves and executes invocations.
type Dispatcher struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	aliases   map[string]string
	apis      map[string]APITool
	workflows map[string]string
	driver    Driver

	tracer trace.Tracer
}

// New builds a dispatcher carrying the builtin node catalog.
func New() *Dispatcher {
	d := &Dispatcher{
		nodes:     map[string]*Node{},
		aliases:   map[string]string{},
		apis:      map[string]APITool{},
		workflows: map[string]string{},
		tracer:    otel.Tracer("maestro/ibl"),
	}
	registerBuiltins(d)
	return d
}

// RegisterNode installs or replaces a node.
func (d *Dispatcher) RegisterNode(n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[n.Name] = n
}

// RegisterAlias rewrites a historical node name to its current one.
func (d *Dispatcher) RegisterAlias(legacy, current string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliases[legacy] = current
}

// RegisterAPI installs an HTTP tool for the api_engine router.
func (d *Dispatcher) RegisterAPI(tool APITool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apis[tool.Name()] = tool
}

// RegisterWorkflow installs a named pipeline for the workflow_engine
// router.
func (d *Dispatcher) RegisterWorkflow(name, pipeline string) error {
	if _, err := Parse(pipeline); err != nil {
		return fmt.Errorf("workflow %s: %w", name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workflows[name] = pipeline
	return nil
}

// SetDriver installs the driver router backend.
func (d *Dispatcher) SetDriver(drv Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.driver = drv
}

// BindSystem attaches the runtime implementation of a system action.
// System actions are declared in the catalog but implemented by the agent
// runtime, which knows about registries, tasks and channels.
func (d *Dispatcher) BindSystem(node, action string, fn HandlerFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[node]
	if !ok {
		return fmt.Errorf("unknown node %s", node)
	}
	a, ok := n.Actions[action]
	if !ok {
		return fmt.Errorf("unknown action %s:%s", node, action)
	}
	if a.Router != RouterSystem {
		return fmt.Errorf("%s:%s is not a system action", node, action)
	}
	a.Handle = fn
	return nil
}

// Run parses and executes a pipeline string.
func (d *Dispatcher) Run(ctx context.Context, pipeline string) Result {
	expr, err := Parse(pipeline)
	if err != nil {
		return Result{
			Success: false,
			Kind:    ErrInvalidInput,
			Error:   err.Error(),
			Usage:   `[node:action]("target"){"param": "value"} — combine with >> (sequence), || (parallel), ?? (fallback)`,
		}
	}
	return d.execExpr(ctx, expr, "")
}

func (d *Dispatcher) execExpr(ctx context.Context, e *Expr, prev string) Result {
	if err := ctx.Err(); err != nil {
		return Fail(ErrCancelled, "pipeline cancelled")
	}
	switch {
	case e.Step != nil:
		step := *e.Step
		if prev != "" {
			params := make(map[string]any, len(step.Params)+1)
			for k, v := range step.Params {
				params[k] = v
			}
			params[PrevResultKey] = prev
			step.Params = params
		}
		return d.Execute(ctx, step)

	case len(e.Seq) > 0:
		var last Result
		carry := prev
		for _, sub := range e.Seq {
			last = d.execExpr(ctx, sub, carry)
			if !last.Success {
				return last
			}
			carry = last.Output
		}
		return last

	case len(e.Par) > 0:
		results := make([]Result, len(e.Par))
		g, gctx := errgroup.WithContext(ctx)
		for i, sub := range e.Par {
			g.Go(func() error {
				results[i] = d.execExpr(gctx, sub, prev)
				return nil
			})
		}
		g.Wait() //nolint:errcheck // goroutines never return errors
		outputs := make([]string, len(results))
		ok := true
		for i, r := range results {
			outputs[i] = r.Output
			if !r.Success {
				ok = false
				outputs[i] = r.Error
			}
		}
		joined, _ := json.Marshal(outputs)
		if !ok {
			return Result{Success: false, Kind: ErrHandlerError, Error: "parallel group had failures", Output: string(joined), Data: results}
		}
		return Result{Success: true, Output: string(joined), Data: results}

	case len(e.Alt) > 0:
		var last Result
		for _, sub := range e.Alt {
			last = d.execExpr(ctx, sub, prev)
			if last.Success {
				return last
			}
		}
		return last
	}
	return Fail(ErrInvalidInput, "empty pipeline expression")
}

// Execute resolves and runs a single step.
func (d *Dispatcher) Execute(ctx context.Context, step Step) Result {
	caller, _ := CallerFrom(ctx)

	ctx, span := d.tracer.Start(ctx, "ibl.execute", trace.WithAttributes(
		attribute.String("ibl.node", step.Node),
		attribute.String("ibl.action", step.Action),
		attribute.String("agent.id", caller.AgentID),
	))
	defer span.End()

	d.mu.RLock()
	nodeName := step.Node
	if current, ok := d.aliases[nodeName]; ok {
		nodeName = current
	}
	node, nodeOK := d.nodes[nodeName]
	d.mu.RUnlock()

	if !nodeOK {
		return Fail(ErrInvalidInput, "unknown node %q", step.Node).withActions(d.nodeNames())
	}
	if !caller.Allowed(nodeName) {
		slog.Warn("node access denied", "agent", caller.AgentID, "node", nodeName)
		return Fail(ErrNodeAccessDenied, "agent %s may not use node %s", caller.AgentID, nodeName)
	}

	spec, action, res := d.resolveAction(node, step)
	if spec == nil {
		return res
	}
	step.Node = nodeName
	step.Action = action

	result := d.route(ctx, node, spec, step, caller)
	if result.Success && spec.Guide != "" {
		result.Guide = resolveGuide(caller, spec.Guide)
	}
	if !result.Success && result.Usage == "" {
		result.Usage = spec.Usage
	}
	slog.Debug("ibl executed",
		"agent", caller.AgentID, "node", step.Node, "action", step.Action,
		"success", result.Success, "kind", result.Kind)
	return result
}

// resolveAction finds the action spec: exact action first, then verb
// routing, then a helpful error.
func (d *Dispatcher) resolveAction(node *Node, step Step) (*ActionSpec, string, Result) {
	if spec, ok := node.Actions[step.Action]; ok {
		return spec, step.Action, Result{}
	}
	if verb, ok := node.Verbs[step.Action]; ok {
		token := ""
		if v, ok := step.Params["type"].(string); ok {
			token = v
		} else if step.Target != "" {
			token = strings.TrimSpace(strings.SplitN(step.Target, ",", 2)[0])
		}
		actionName := verb.Routes[token]
		if actionName == "" {
			actionName = verb.Default
		}
		if spec, ok := node.Actions[actionName]; ok && actionName != "" {
			return spec, actionName, Result{}
		}
		return nil, "", Fail(ErrInvalidInput,
			"verb %s:%s cannot route type %q", node.Name, step.Action, token).
			withActions(actionNames(node))
	}
	return nil, "", Fail(ErrInvalidInput,
		"unknown action %s:%s", node.Name, step.Action).
		withActions(actionNames(node))
}

func (d *Dispatcher) route(ctx context.Context, node *Node, spec *ActionSpec, step Step, caller Caller) Result {
	switch spec.Router {
	case RouterSystem, RouterHandler:
		if spec.Handle == nil {
			return Fail(ErrHandlerMissing, "no handler bound for %s:%s", step.Node, step.Action)
		}
		if spec.Router == RouterHandler && step.Target != "" {
			key := spec.TargetKey
			if key == "" {
				key = "target"
			}
			params := make(map[string]any, len(step.Params)+1)
			for k, v := range step.Params {
				params[k] = v
			}
			params[key] = step.Target
			step.Params = params
		}
		return spec.Handle(ctx, step)

	case RouterAPIEngine:
		d.mu.RLock()
		tool := d.apis[spec.API]
		d.mu.RUnlock()
		if tool == nil {
			return Fail(ErrHandlerMissing, "api tool %q is not registered", spec.API)
		}
		out, err := tool.Call(ctx, step.Target, step.Params)
		if err != nil {
			return Fail(ErrHandlerError, "%s failed: %v", spec.API, err)
		}
		return OK(out)

	case RouterDriver:
		d.mu.RLock()
		drv := d.driver
		d.mu.RUnlock()
		if drv == nil {
			return Fail(ErrHandlerMissing, "no driver installed")
		}
		out, err := drv.Exec(ctx, caller, step.Target, step.Params)
		if err != nil {
			return Fail(ErrHandlerError, "driver %s: %v", drv.Name(), err)
		}
		return OK(out)

	case RouterWorkflow:
		d.mu.RLock()
		pipeline := d.workflows[step.Target]
		d.mu.RUnlock()
		if pipeline == "" {
			return Fail(ErrInvalidInput, "unknown workflow %q", step.Target).
				withActions(d.workflowNames())
		}
		prev := ""
		if v, ok := step.Params[PrevResultKey].(string); ok {
			prev = v
		}
		expr, err := Parse(pipeline)
		if err != nil {
			return Fail(ErrHandlerError, "workflow %s is corrupt: %v", step.Target, err)
		}
		return d.execExpr(ctx, expr, prev)

	case RouterStub:
		return Result{
			Success: false,
			Kind:    ErrNotImplemented,
			Error:   fmt.Sprintf("%s:%s is not available yet", step.Node, step.Action),
			Phase:   spec.Phase,
		}
	}
	return Fail(ErrInvalidInput, "action %s:%s has no router", step.Node, step.Action)
}

func (r Result) withActions(actions []string) Result {
	r.AvailableActions = actions
	return r
}

func (d *Dispatcher) nodeNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.nodes))
	for n := range d.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) workflowNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.workflows))
	for n := range d.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func actionNames(node *Node) []string {
	names := make([]string, 0, len(node.Actions)+len(node.Verbs))
	for a := range node.Actions {
		names = append(names, a)
	}
	for v := range node.Verbs {
		names = append(names, v)
	}
	sort.Strings(names)
	return names
}

// resolveGuide prefers a project-local guide file, falling back to the
// catalog path so the model still learns the name.
func resolveGuide(caller Caller, rel string) string {
	if caller.ProjectDir != "" {
		abs := filepath.Join(caller.ProjectDir, rel)
		if _, err := os.Stat(abs); err == nil {
			return abs
		}
	}
	return rel
}

// Describe renders the catalog for the system prompt: nodes, actions and
// their descriptions, filtered to what the caller may use.
func (d *Dispatcher) Describe(caller Caller) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.nodes))
	for n := range d.nodes {
		if caller.Allowed(n) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		node := d.nodes[name]
		fmt.Fprintf(&b, "- %s: %s\n", node.Name, node.Description)
		actions := actionNames(node)
		for _, a := range actions {
			if spec, ok := node.Actions[a]; ok {
				desc := spec.Description
				if spec.Router == RouterStub {
					desc += " (not yet available)"
				}
				fmt.Fprintf(&b, "    [%s:%s] %s\n", node.Name, a, desc)
			}
		}
	}
	return b.String()
}
