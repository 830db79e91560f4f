// Package template loads session templates: named, reusable graph
// definitions that a chat command or the CLI can start by name.
package template

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/orcha/internal/graph"
	"github.com/ShayCichocki/orcha/internal/orchestrator"
	"github.com/ShayCichocki/orcha/internal/runner"
	"github.com/ShayCichocki/orcha/pkg/models"
)

// ErrUnknownTemplate is returned by Registry.Get for unregistered names.
var ErrUnknownTemplate = errors.New("unknown template")

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Template describes a session: its metadata and one or more graphs.
type Template struct {
	Name        string          `yaml:"name"`
	Title       string          `yaml:"title"`
	Description string          `yaml:"description,omitempty"`
	Agents      []string        `yaml:"agents,omitempty"`
	Graphs      []GraphTemplate `yaml:"graphs"`
	// Source is the file the template was read from.
	Source string `yaml:"-"`
}

// GraphTemplate describes one graph.
type GraphTemplate struct {
	Label string         `yaml:"label"`
	Nodes []NodeTemplate `yaml:"nodes"`
}

// NodeTemplate describes one node and, optionally, how the scripted
// runner should play it in demos.
type NodeTemplate struct {
	ID               string              `yaml:"id"`
	Name             string              `yaml:"name"`
	Description      string              `yaml:"description,omitempty"`
	Agent            string              `yaml:"agent,omitempty"`
	Kind             models.NodeKind     `yaml:"kind"`
	DependsOn        []string            `yaml:"depends_on,omitempty"`
	RequiresApproval bool                `yaml:"requires_approval,omitempty"`
	ApprovalKind     models.ApprovalKind `yaml:"approval_kind,omitempty"`
	ArtifactKind     models.ArtifactKind `yaml:"artifact_kind,omitempty"`
	Demo             *Demo               `yaml:"demo,omitempty"`
}

// Demo scripts a node for the scripted runner.
type Demo struct {
	Steps        []float64          `yaml:"steps,omitempty"`
	Summary      string             `yaml:"summary,omitempty"`
	Payload      map[string]any     `yaml:"payload,omitempty"`
	Metrics      map[string]float64 `yaml:"metrics,omitempty"`
	Fail         string             `yaml:"fail,omitempty"`
	FailAttempts int                `yaml:"fail_attempts,omitempty"`
}

// Parse decodes and validates a template.
func Parse(data []byte) (Template, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Template{}, fmt.Errorf("template: payload is empty")
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("template: decode: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

// Validate checks the metadata and builds every graph once, so structural
// errors surface at load time rather than when a session starts.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template: name is required")
	}
	if len(t.Graphs) == 0 {
		return fmt.Errorf("template %s: no graphs", t.Name)
	}
	for i, g := range t.Graphs {
		if _, err := graph.New(graph.Spec{ID: "validate", Label: g.Label, Nodes: g.taskNodes()}); err != nil {
			return fmt.Errorf("template %s: graph %d (%s): %w", t.Name, i, g.Label, err)
		}
		for _, n := range g.Nodes {
			if _, err := n.Demo.plan(); err != nil {
				return fmt.Errorf("template %s: node %s: %w", t.Name, n.ID, err)
			}
		}
	}
	return nil
}

func (g GraphTemplate) taskNodes() []*models.TaskNode {
	nodes := make([]*models.TaskNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, &models.TaskNode{
			ID:               n.ID,
			Name:             n.Name,
			Description:      n.Description,
			Agent:            n.Agent,
			Kind:             n.Kind,
			DependsOn:        slices.Clone(n.DependsOn),
			RequiresApproval: n.RequiresApproval,
			ApprovalKind:     n.ApprovalKind,
			ArtifactKind:     n.ArtifactKind,
		})
	}
	return nodes
}

// SessionSpec converts the template into a session request.
func (t Template) SessionSpec(owner, conversationRef string) orchestrator.SessionSpec {
	spec := orchestrator.SessionSpec{
		Title:           t.Title,
		Owner:           owner,
		Agents:          slices.Clone(t.Agents),
		ConversationRef: conversationRef,
	}
	if spec.Title == "" {
		spec.Title = t.Name
	}
	for _, g := range t.Graphs {
		spec.Graphs = append(spec.Graphs, orchestrator.GraphSpec{
			Label:    g.Label,
			Template: t.Name,
			Nodes:    g.taskNodes(),
		})
	}
	return spec
}

// Plans returns scripted runner plans keyed by node ID. Node IDs repeated
// across graphs share the last plan.
func (t Template) Plans() map[string]runner.Plan {
	plans := make(map[string]runner.Plan)
	for _, g := range t.Graphs {
		for _, n := range g.Nodes {
			if n.Demo == nil {
				continue
			}
			// Validate already rejected unencodable payloads.
			p, _ := n.Demo.plan()
			plans[n.ID] = p
		}
	}
	return plans
}

// ScopedPlans is Plans keyed by runner.PlanKey, for runners shared by
// several templates.
func (t Template) ScopedPlans() map[string]runner.Plan {
	plans := make(map[string]runner.Plan)
	for id, p := range t.Plans() {
		plans[runner.PlanKey(t.Name, id)] = p
	}
	return plans
}

func (d *Demo) plan() (runner.Plan, error) {
	if d == nil {
		return runner.Plan{}, nil
	}
	p := runner.Plan{
		Steps:        slices.Clone(d.Steps),
		Fail:         d.Fail,
		FailAttempts: d.FailAttempts,
	}
	if d.Summary == "" && d.Payload == nil && d.Metrics == nil {
		return p, nil
	}
	p.Result = &models.NodeResult{Summary: d.Summary, Metrics: d.Metrics}
	if d.Payload != nil {
		data, err := json.Marshal(d.Payload)
		if err != nil {
			return runner.Plan{}, fmt.Errorf("encode demo payload: %w", err)
		}
		p.Result.Payload = data
	}
	return p, nil
}

// LoadFile reads a template from disk.
func LoadFile(p string) (Template, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Template{}, fmt.Errorf("template: read %s: %w", p, err)
	}
	t, err := Parse(data)
	if err != nil {
		return Template{}, fmt.Errorf("template: %s: %w", p, err)
	}
	t.Source = filepath.Clean(p)
	return t, nil
}

// LoadDir loads every *.yaml and *.yml file under dir, recursively.
// A missing directory yields no templates.
func LoadDir(dir string) ([]Template, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**", "*.{yaml,yml}"))
	if err != nil {
		return nil, fmt.Errorf("template: glob %s: %w", dir, err)
	}
	slices.Sort(matches)

	templates := make([]Template, 0, len(matches))
	for _, m := range matches {
		t, err := LoadFile(m)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// Builtin returns the templates compiled into the binary.
func Builtin() ([]Template, error) {
	entries, err := fs.Glob(builtinFS, "builtin/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("template: list builtin: %w", err)
	}
	templates := make([]Template, 0, len(entries))
	for _, e := range entries {
		data, err := builtinFS.ReadFile(e)
		if err != nil {
			return nil, fmt.Errorf("template: read builtin %s: %w", e, err)
		}
		t, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("template: builtin %s: %w", path.Base(e), err)
		}
		t.Source = "builtin:" + path.Base(e)
		templates = append(templates, t)
	}
	return templates, nil
}
