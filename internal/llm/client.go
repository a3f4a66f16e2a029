// Package llm provides the language-model adapter: prompt submission with
// structured-output enforcement, chat, and embeddings against an
// OpenAI-compatible/Ollama HTTP backend.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/jsonx"
)

// Temperature defaults per call site.
const (
	TempExtraction = 0.3
	TempNarration  = 0.7
	TempJudge      = 0.2

	// DefaultMaxTokens bounds a single completion.
	DefaultMaxTokens = 2048
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema requests structured JSON output conforming to a JSON-schema
// definition. Name is used in logs and the corrective reprompt.
type Schema struct {
	Name       string
	Definition map[string]any
}

// Options tunes a single generation call.
type Options struct {
	Temperature float64
	MaxTokens   int
}

func (o Options) withDefaults() Options {
	if o.Temperature == 0 {
		o.Temperature = TempNarration
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	return o
}

// Config holds the LM backend connection settings.
type Config struct {
	Host            string
	Model           string
	EmbedModel      string
	RequestDeadline time.Duration
}

// DefaultConfig returns settings for a local Ollama backend.
func DefaultConfig() Config {
	return Config{
		Host:            "http://localhost:11434",
		Model:           "llama3.2",
		EmbedModel:      "nomic-embed-text",
		RequestDeadline: 45 * time.Second,
	}
}

// Client is the LM adapter. Retries for malformed structured output are the
// adapter's responsibility; callers see final outcomes.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates an LM client with a keepalive HTTP transport.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestDeadline == 0 {
		cfg.RequestDeadline = DefaultConfig().RequestDeadline
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Generate submits a single-turn prompt. When schema is non-nil the backend
// is asked for structured JSON and the output is validated; one corrective
// re-ask is attempted before surfacing MalformedOutput.
func (c *Client) Generate(ctx context.Context, prompt string, schema *Schema, opts Options) (string, error) {
	return c.Chat(ctx, []Message{{Role: "user", Content: prompt}}, schema, opts)
}

// Chat submits a multi-turn conversation, with the same structured-output
// contract as Generate.
func (c *Client) Chat(ctx context.Context, messages []Message, schema *Schema, opts Options) (string, error) {
	opts = opts.withDefaults()

	content, err := c.chatOnce(ctx, messages, schema, opts)
	if err != nil {
		return "", err
	}
	if schema == nil {
		return content, nil
	}
	if jsonx.Valid([]byte(extractJSONBlock(content))) {
		return extractJSONBlock(content), nil
	}

	c.logger.Warn("structured output failed to parse, re-asking once",
		zap.String("schema", schema.Name))

	retry := append(messages,
		Message{Role: "assistant", Content: content},
		Message{Role: "user", Content: fmt.Sprintf(
			"The previous output was not valid JSON for the %s schema. Respond again with only the JSON object, no prose.", schema.Name)},
	)
	content, err = c.chatOnce(ctx, retry, schema, opts)
	if err != nil {
		return "", err
	}
	if block := extractJSONBlock(content); jsonx.Valid([]byte(block)) {
		return block, nil
	}
	return "", fault.Errorf(fault.MalformedOutput,
		"model output failed %s schema after one reprompt", schema.Name)
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   any            `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	DoneReason string `json:"done_reason"`
}

func (c *Client) chatOnce(ctx context.Context, messages []Message, schema *Schema, opts Options) (string, error) {
	req := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   false,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}
	if schema != nil {
		if len(schema.Definition) > 0 {
			req.Format = schema.Definition
		} else {
			req.Format = "json"
		}
	}

	body, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := jsonx.Unmarshal(body, &resp); err != nil {
		return "", fault.Wrap(fault.MalformedOutput, "decode chat response", err)
	}
	if resp.DoneReason == "length" {
		c.logger.Warn("completion truncated at token budget",
			zap.Int("max_tokens", opts.MaxTokens))
	}
	return resp.Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed generates an L2-normalized embedding for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates L2-normalized embeddings for several texts in one call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := c.post(ctx, "/api/embed", embedRequest{
		Model: c.cfg.EmbedModel,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := jsonx.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.MalformedOutput, "decode embed response", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fault.Errorf(fault.MalformedOutput,
			"backend returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = normalize(emb)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "marshal request", err)
	}

	callCtx := ctx
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestDeadline)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.Host+path, bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fault.Wrap(fault.Cancelled, "lm call cancelled", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.BackendTimeout, "lm call exceeded deadline", err)
		}
		return nil, fault.Wrap(fault.BackendUnavailable, "lm backend unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, "read lm response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Errorf(fault.BackendUnavailable,
			"lm backend status %d", resp.StatusCode)
	}
	return body, nil
}

// extractJSONBlock trims prose around the first JSON object or array in a
// model response. Models occasionally wrap JSON in markdown fences or
// explanations despite format constraints.
func extractJSONBlock(s string) string {
	start := -1
	var opener, closer byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			opener = s[i]
			if opener == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start == -1 {
		return s
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func normalize(in []float64) []float32 {
	out := make([]float32, len(in))
	var sumSq float64
	for i, v := range in {
		out[i] = float32(v)
		sumSq += v * v
	}
	norm := float32(math.Sqrt(sumSq))
	if norm > 1e-9 {
		for i := range out {
			out[i] /= norm
		}
	}
	return out
}
