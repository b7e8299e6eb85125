package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/disputeworks/core/internal/domain"
)

// ErrTokenBudget reports a conversation that exhausted its token budget.
var ErrTokenBudget = errors.New("token budget exhausted")

const aiMaxOutputTokens = 2048

const aiSystemPrompt = "You draft consumer credit dispute letters. Write in plain, firm, " +
	"factual prose citing the statute the instruction names. Never invent account details, " +
	"never threaten beyond the cited statute, and never include placeholder text."

// LetterRequest describes one generation call.
type LetterRequest struct {
	TenantID   string
	ClientID   string
	ClientName string
	Round      int
	Kind       domain.LetterKind
	Recipient  domain.Recipient
	// Skeleton is the statutory frame the model fills.
	Skeleton string
	// ItemSummaries are masked descriptions of the disputed items.
	ItemSummaries []string
}

// LetterResult carries the generated text and its token cost.
type LetterResult struct {
	Text   string
	Tokens int64
}

// Writer generates letter bodies.
type Writer interface {
	GenerateLetter(ctx context.Context, req LetterRequest) (*LetterResult, error)
}

// AIWriter generates letters through the Anthropic API, enforcing a per-
// conversation (client) token budget. A refusal maps to PolicyBlocked.
type AIWriter struct {
	client anthropic.Client
	model  string
	budget int64
	runner *Runner

	mu    sync.Mutex
	spent map[string]int64 // client id -> tokens consumed
}

// NewAIWriter builds the adapter. budget is CORE_AI_BUDGET_TOKENS.
func NewAIWriter(apiKey, baseURL, model string, budget int64, runner *Runner) *AIWriter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &AIWriter{
		client: anthropic.NewClient(opts...),
		model:  model,
		budget: budget,
		runner: runner,
		spent:  make(map[string]int64),
	}
}

func (w *AIWriter) GenerateLetter(ctx context.Context, req LetterRequest) (*LetterResult, error) {
	if w.remaining(req.ClientID) <= 0 {
		return nil, PolicyBlocked("aiwriter", fmt.Errorf("%w for client %s", ErrTokenBudget, req.ClientID))
	}

	var result *LetterResult
	err := w.runner.Call(ctx, req.TenantID, "aiwriter", TimeoutAI, func(ctx context.Context) error {
		msg, err := w.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(w.model),
			MaxTokens: aiMaxOutputTokens,
			System:    []anthropic.TextBlockParam{{Text: aiSystemPrompt}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(w.prompt(req))),
			},
		})
		if err != nil {
			return classifyAnthropicError(err)
		}

		tokens := msg.Usage.InputTokens + msg.Usage.OutputTokens
		w.charge(req.ClientID, tokens)

		if msg.StopReason == anthropic.StopReasonRefusal {
			return PolicyBlocked("aiwriter", errors.New("model refused the generation"))
		}

		var text strings.Builder
		for _, block := range msg.Content {
			text.WriteString(block.Text)
		}
		if strings.TrimSpace(text.String()) == "" {
			return Transient("aiwriter", errors.New("empty completion"))
		}
		result = &LetterResult{Text: text.String(), Tokens: tokens}
		return nil
	})
	return result, err
}

func (w *AIWriter) prompt(req LetterRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the body of a %s dispute letter (round %d) from %s to %s.\n\n",
		req.Kind, req.Round, req.ClientName, req.Recipient.Name)
	b.WriteString("Statutory frame to preserve verbatim where it cites law:\n\n")
	b.WriteString(req.Skeleton)
	if len(req.ItemSummaries) > 0 {
		b.WriteString("\n\nDisputed items:\n")
		for _, s := range req.ItemSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}

func (w *AIWriter) remaining(clientID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.budget - w.spent[clientID]
}

func (w *AIWriter) charge(clientID string, tokens int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.spent[clientID] += tokens
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 400, 404:
			return Permanent("aiwriter", err)
		case 401, 403:
			return Permanent("aiwriter", err)
		case 429, 500, 502, 503, 529:
			return Transient("aiwriter", err)
		}
	}
	return Transient("aiwriter", err)
}
