// Package reasoner wraps the Anthropic API behind a small client
// interface and validates model output against a strict JSON schema.
package reasoner

import (
	"context"
	"errors"
	"strconv"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/resilience"
)

// Client defines the reasoning-model operations used by the pipeline.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is our own request type for a single model completion.
type Request struct {
	Model       string
	MaxTokens   int64
	System      string
	Prompt      string
	Images      []Image
	Temperature *float64
}

// Image attaches base64-encoded image data for vision calls.
type Image struct {
	MediaType string // e.g. "image/png"
	Data      string // base64
}

// Response is our own response type from a completion.
type Response struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      TokenUsage
}

// TokenUsage tracks token consumption of a single call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// EstimateCost computes an estimated cost in USD for a model ID.
// Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return (float64(u.InputTokens)/1e6)*pricing[0] + (float64(u.OutputTokens)/1e6)*pricing[1]
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client sdk.Client
}

// NewClient creates a reasoner client backed by the SDK.
func NewClient(apiKey string) Client {
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
	}
}

func (c *sdkClient) Complete(ctx context.Context, req Request) (*Response, error) {
	blocks := []sdk.ContentBlockParamUnion{}
	for _, img := range req.Images {
		blocks = append(blocks, sdk.NewImageBlockBase64(img.MediaType, img.Data))
	}
	blocks = append(blocks, sdk.NewTextBlock(req.Prompt))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifySDKError(req.Model, err)
	}

	var text string
	for _, b := range msg.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}

	return &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text,
		StopReason: string(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

// classifySDKError maps provider failures onto the pipeline's failure
// taxonomy so the dispatcher's retry policy can branch on class alone.
func classifySDKError(model string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return resilience.NewModelCallError(resilience.FailureRateLimit, model,
				eris.Wrap(err, "reasoner: rate limited"))
		case apiErr.StatusCode == 408 || apiErr.StatusCode == 504:
			return resilience.NewModelCallError(resilience.FailureTimeout, model,
				eris.Wrap(err, "reasoner: provider timeout"))
		case apiErr.StatusCode >= 500:
			return resilience.NewModelCallError(resilience.FailureTimeout, model,
				eris.Wrap(err, "reasoner: provider error "+strconv.Itoa(apiErr.StatusCode)))
		default:
			return resilience.NewModelCallError(resilience.FailureTerminal, model,
				eris.Wrap(err, "reasoner: request rejected"))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewModelCallError(resilience.FailureTimeout, model,
			eris.Wrap(err, "reasoner: call deadline exceeded"))
	}
	if resilience.IsTransient(err) {
		return resilience.NewModelCallError(resilience.FailureTimeout, model,
			eris.Wrap(err, "reasoner: transient transport failure"))
	}
	return resilience.NewModelCallError(resilience.FailureTerminal, model,
		eris.Wrap(err, "reasoner: create message"))
}
