package spec

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse parses a YAML definition into one or more workflows. Two document
// shapes are accepted:
//
//   - plain form: every top-level key besides "version" and "name" names a
//     workflow;
//   - workbook form: a "name" plus a "workflows" mapping, producing
//     workflows named "<workbook>.<workflow>".
func Parse(definition string) ([]*Workflow, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(definition), &root); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("parse workflow definition: empty document")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse workflow definition: top level must be a mapping")
	}

	var (
		workbook  string
		wfsNode   *yaml.Node
		workflows []*Workflow
	)
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		switch key {
		case "name":
			workbook = doc.Content[i+1].Value
		case "workflows":
			wfsNode = doc.Content[i+1]
		}
	}

	if wfsNode != nil {
		if wfsNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("workbook %q: workflows must be a mapping", workbook)
		}
		for i := 0; i+1 < len(wfsNode.Content); i += 2 {
			name := wfsNode.Content[i].Value
			if workbook != "" {
				name = workbook + "." + name
			}
			wf, err := parseWorkflow(name, wfsNode.Content[i+1])
			if err != nil {
				return nil, err
			}
			workflows = append(workflows, wf)
		}
		return workflows, nil
	}

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if key == "version" || key == "name" {
			continue
		}
		wf, err := parseWorkflow(key, doc.Content[i+1])
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if len(workflows) == 0 {
		return nil, fmt.Errorf("parse workflow definition: no workflows declared")
	}
	return workflows, nil
}

// rawWorkflow mirrors the YAML shape of one workflow body.
type rawWorkflow struct {
	Type         string         `yaml:"type"`
	Description  string         `yaml:"description"`
	Input        []yaml.Node    `yaml:"input"`
	Output       map[string]any `yaml:"output"`
	TaskDefaults *rawPolicies   `yaml:"task-defaults"`
	Tasks        yaml.Node      `yaml:"tasks"`
}

// rawTask mirrors the YAML shape of one task body.
type rawTask struct {
	Description string         `yaml:"description"`
	Action      string         `yaml:"action"`
	Workflow    string         `yaml:"workflow"`
	Input       map[string]any `yaml:"input"`
	Publish     map[string]any `yaml:"publish"`
	OnSuccess   []yaml.Node    `yaml:"on-success"`
	OnError     []yaml.Node    `yaml:"on-error"`
	OnComplete  []yaml.Node    `yaml:"on-complete"`
	Requires    []string       `yaml:"requires"`
	Join        *yaml.Node     `yaml:"join"`
	Policies    *rawPolicies   `yaml:"policies"`
}

// rawPolicies mirrors the anchored policy grammar.
type rawPolicies struct {
	WaitBefore  int       `yaml:"wait-before"`
	WaitAfter   int       `yaml:"wait-after"`
	Retry       *rawRetry `yaml:"retry"`
	Timeout     int       `yaml:"timeout"`
	PauseBefore string    `yaml:"pause-before"`
	Concurrency int       `yaml:"concurrency"`
}

type rawRetry struct {
	Count   int    `yaml:"count"`
	Delay   int    `yaml:"delay"`
	BreakOn string `yaml:"break-on"`
}

func parseWorkflow(name string, node *yaml.Node) (*Workflow, error) {
	var raw rawWorkflow
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", name, err)
	}
	typ := raw.Type
	if typ == "" {
		typ = TypeDirect
	}
	wf := &Workflow{
		Name:        name,
		Type:        typ,
		Description: raw.Description,
		Output:      raw.Output,
		Tasks:       make(map[string]*Task),
	}
	for _, in := range raw.Input {
		p, err := parseParam(&in)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		wf.Input = append(wf.Input, p)
	}
	if raw.TaskDefaults != nil {
		wf.TaskDefaults = raw.TaskDefaults.toPolicies()
	}
	if raw.Tasks.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("workflow %q: tasks must be a mapping", name)
	}
	for i := 0; i+1 < len(raw.Tasks.Content); i += 2 {
		taskName := raw.Tasks.Content[i].Value
		task, err := parseTask(taskName, raw.Tasks.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		if _, dup := wf.Tasks[taskName]; dup {
			return nil, fmt.Errorf("workflow %q: duplicate task %q", name, taskName)
		}
		wf.Tasks[taskName] = task
		wf.TaskNames = append(wf.TaskNames, taskName)
	}
	if err := wf.validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

func parseParam(node *yaml.Node) (Param, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return Param{Name: node.Value}, nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return Param{}, fmt.Errorf("input parameter must be a name or a single name: default pair")
		}
		var def any
		if err := node.Content[1].Decode(&def); err != nil {
			return Param{}, err
		}
		return Param{Name: node.Content[0].Value, Default: def, HasDefault: true}, nil
	default:
		return Param{}, fmt.Errorf("invalid input parameter declaration")
	}
}

func parseTask(name string, node *yaml.Node) (*Task, error) {
	var raw rawTask
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("task %q: %w", name, err)
	}
	task := &Task{
		Name:        name,
		Description: raw.Description,
		SubWorkflow: raw.Workflow,
		Publish:     raw.Publish,
		Requires:    raw.Requires,
	}
	if raw.Action != "" {
		actionName, args, err := splitAction(raw.Action)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		task.Action = actionName
		task.Input = args
	}
	// Explicit input entries override inline action assignments.
	for k, v := range raw.Input {
		if task.Input == nil {
			task.Input = make(map[string]any)
		}
		task.Input[k] = v
	}
	var err error
	if task.OnSuccess, err = parseEdges(raw.OnSuccess); err != nil {
		return nil, fmt.Errorf("task %q: on-success: %w", name, err)
	}
	if task.OnError, err = parseEdges(raw.OnError); err != nil {
		return nil, fmt.Errorf("task %q: on-error: %w", name, err)
	}
	if task.OnComplete, err = parseEdges(raw.OnComplete); err != nil {
		return nil, fmt.Errorf("task %q: on-complete: %w", name, err)
	}
	if raw.Join != nil {
		if task.Join, err = parseJoin(raw.Join); err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
	}
	if raw.Policies != nil {
		task.Policies = raw.Policies.toPolicies()
	}
	return task, nil
}

// parseEdges accepts entries that are either a bare task name or a single
// "task: condition" pair.
func parseEdges(nodes []yaml.Node) ([]EdgeTarget, error) {
	edges := make([]EdgeTarget, 0, len(nodes))
	for _, n := range nodes {
		switch n.Kind {
		case yaml.ScalarNode:
			edges = append(edges, EdgeTarget{Task: n.Value})
		case yaml.MappingNode:
			if len(n.Content) != 2 {
				return nil, fmt.Errorf("edge entry must be a task name or a single task: condition pair")
			}
			edges = append(edges, EdgeTarget{
				Task:      n.Content[0].Value,
				Condition: n.Content[1].Value,
			})
		default:
			return nil, fmt.Errorf("invalid edge entry")
		}
	}
	if len(edges) == 0 {
		return nil, nil
	}
	return edges, nil
}

func parseJoin(node *yaml.Node) (*Join, error) {
	if node.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("join must be all, one or an integer")
	}
	switch node.Value {
	case "all":
		return &Join{All: true}, nil
	case "one":
		return &Join{One: true}, nil
	}
	n, err := strconv.Atoi(node.Value)
	if err != nil || n < 1 {
		return nil, fmt.Errorf("join must be all, one or a positive integer, got %q", node.Value)
	}
	return &Join{Count: n}, nil
}

func (p *rawPolicies) toPolicies() *Policies {
	out := &Policies{
		WaitBefore:  p.WaitBefore,
		WaitAfter:   p.WaitAfter,
		Timeout:     p.Timeout,
		PauseBefore: p.PauseBefore,
		Concurrency: p.Concurrency,
	}
	if p.Retry != nil {
		out.Retry = &Retry{Count: p.Retry.Count, Delay: p.Retry.Delay, BreakOn: p.Retry.BreakOn}
	}
	return out
}

// splitAction splits an action string like
//
//	std.echo output="a, b" count=3
//
// into the action name and its inline argument assignments. Values are
// parsed as YAML scalars so numbers and booleans keep their types.
func splitAction(s string) (string, map[string]any, error) {
	fields, err := splitQuoted(s)
	if err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty action")
	}
	name := fields[0]
	if len(fields) == 1 {
		return name, nil, nil
	}
	args := make(map[string]any, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return "", nil, fmt.Errorf("invalid action argument %q", f)
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil {
			val = v
		}
		args[k] = val
	}
	return name, args, nil
}

// splitQuoted splits on spaces while keeping double-quoted segments and
// <% ... %> template expressions intact. Quotes are stripped from the
// result; template delimiters are kept.
func splitQuoted(s string) ([]string, error) {
	var (
		fields   []string
		cur      strings.Builder
		quoted   bool
		template bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && !template:
			quoted = !quoted
		case !quoted && !template && strings.HasPrefix(s[i:], "<%"):
			template = true
			cur.WriteString("<%")
			i++
		case template && strings.HasPrefix(s[i:], "%>"):
			template = false
			cur.WriteString("%>")
			i++
		case c == ' ' && !quoted && !template:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if quoted {
		return nil, fmt.Errorf("unbalanced quotes in %q", s)
	}
	if template {
		return nil, fmt.Errorf("unterminated expression in %q", s)
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields, nil
}
