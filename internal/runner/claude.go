package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// MessageClient is the part of the Anthropic SDK the Claude runner uses.
// *anthropic.MessageService satisfies it.
type MessageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeConfig contains configuration for the Claude runner.
type ClaudeConfig struct {
	// Model is the Claude model to use. Defaults to Claude Sonnet 4.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock sends requests through AWS Bedrock instead of the direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens caps each response. Defaults to 4096.
	MaxTokens int64
}

// ClaudeRunner executes each node as a single Messages API call. Progress
// is reported at milestones: 10 when the request is sent, then completion.
type ClaudeRunner struct {
	client    MessageClient
	model     anthropic.Model
	maxTokens int64

	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewClaudeRunner creates a runner backed by the Anthropic API or Bedrock.
func NewClaudeRunner(ctx context.Context, cfg ClaudeConfig) (*ClaudeRunner, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}
	return NewClaudeRunnerWithClient(&client.Messages, model, cfg.MaxTokens), nil
}

// NewClaudeRunnerWithClient creates a runner over an existing message client.
func NewClaudeRunnerWithClient(client MessageClient, model anthropic.Model, maxTokens int64) *ClaudeRunner {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &ClaudeRunner{client: client, model: model, maxTokens: maxTokens}
}

// translateModelForBedrock converts Anthropic model names to Bedrock
// cross-region inference profiles.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if m, ok := bedrockModels[model]; ok {
		return anthropic.Model(m)
	}
	return model
}

// Model returns the configured model name.
func (c *ClaudeRunner) Model() anthropic.Model {
	return c.model
}

// Usage returns cumulative token counts and the number of calls made.
func (c *ClaudeRunner) Usage() (input, output int64, calls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputTok, c.outputTok, c.calls
}

// Invoke sends the node to Claude in the background.
func (c *ClaudeRunner) Invoke(ctx context.Context, req Request) (Execution, error) {
	if req.Node == nil {
		return nil, &Error{Runner: "claude", Err: errors.New("request has no node")}
	}
	system, prompt := buildPrompt(req)

	execution, runCtx := newExecution(ctx, 2)
	go func() {
		execution.send(runCtx, Update{Delta: 10})

		resp, err := c.client.New(runCtx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: c.maxTokens,
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			execution.finish(runCtx, Update{Err: &Error{Runner: "claude", NodeID: req.Node.ID, Err: fmt.Errorf("API call failed: %w", err)}})
			return
		}

		c.mu.Lock()
		c.inputTok += resp.Usage.InputTokens
		c.outputTok += resp.Usage.OutputTokens
		c.calls++
		c.mu.Unlock()

		var text strings.Builder
		for _, block := range resp.Content {
			if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
				text.WriteString(variant.Text)
			}
		}
		execution.finish(runCtx, Update{Done: true, Result: parseResult(extractJSON(text.String()))})
	}()
	return execution, nil
}

func buildPrompt(req Request) (system, prompt string) {
	agent := req.Node.Agent
	if agent == "" {
		agent = "orchestration"
	}
	system = fmt.Sprintf(`You are the %s agent executing one step of a multi-step workflow.
Reply with a single JSON object: {"summary": string, "payload": object, "metrics": {string: number}}.
Omit fields you have nothing to report for.`, agent)

	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n", req.Node.Name)
	if req.Node.Description != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", req.Node.Description)
	}
	if req.Node.ArtifactKind != "" {
		fmt.Fprintf(&b, "The payload will be reviewed and saved as a %s.\n", req.Node.ArtifactKind)
	}
	if len(req.Upstream) > 0 {
		b.WriteString("\nResults from earlier steps:\n")
		ids := make([]string, 0, len(req.Upstream))
		for id := range req.Upstream {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r := req.Upstream[id]
			if r == nil {
				continue
			}
			data, _ := json.Marshal(r)
			fmt.Fprintf(&b, "- %s: %s\n", id, data)
		}
	}
	return system, b.String()
}

// extractJSON returns the outermost JSON object in s, or s unchanged.
func extractJSON(s string) []byte {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return []byte(s)
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return []byte(s)
	}
	return []byte(candidate)
}

var _ Runner = (*ClaudeRunner)(nil)
