package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"assessline/internal/domain"
)

// AnthropicConfig configures the Messages API provider.
type AnthropicConfig struct {
	Model string
	// APIKey falls back to ANTHROPIC_API_KEY.
	APIKey        string
	UseAWSBedrock bool
	AWSRegion     string
	AWSProfile    string
}

// Anthropic implements Provider on the Anthropic Messages API. Documents are
// attached as citation-enabled document blocks so page-level grounding comes
// back on the text blocks.
type Anthropic struct {
	inner anthropic.Client
	model anthropic.Model
}

func NewAnthropic(ctx context.Context, cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption
	if cfg.UseAWSBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
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

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = bedrockModel(model)
	}
	return &Anthropic{inner: anthropic.NewClient(opts...), model: model}, nil
}

// bedrockModel maps Anthropic model names to Bedrock cross-region inference
// profiles. Unknown names pass through.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

func (a *Anthropic) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var blocks []anthropic.ContentBlockParamUnion
	var inline []string
	var attached []DocumentRef
	for _, doc := range req.Documents {
		if isURL(doc.StorageRef) {
			blocks = append(blocks, anthropic.ContentBlockParamUnion{OfDocument: &anthropic.DocumentBlockParam{
				Source: anthropic.DocumentBlockParamSourceUnion{
					OfURL: &anthropic.URLPDFSourceParam{URL: doc.StorageRef},
				},
				Title:     anthropic.String(doc.Name),
				Context:   anthropic.String("namespace " + doc.Namespace),
				Citations: anthropic.CitationsConfigParam{Enabled: anthropic.Bool(true)},
			}})
			attached = append(attached, doc)
			continue
		}
		inline = append(inline, fmt.Sprintf("- %s (%s)", doc.Name, doc.StorageRef))
	}
	prompt := req.Prompt
	if len(inline) > 0 {
		prompt = "Indexed documents for this assessment:\n" + strings.Join(inline, "\n") + "\n\n" + prompt
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.inner.Messages.New(ctx, params)
	if err != nil {
		return GenerateResponse{}, classifyAnthropic(ctx, err)
	}

	var out GenerateResponse
	var text strings.Builder
	for _, block := range resp.Content {
		variant, ok := block.AsAny().(anthropic.TextBlock)
		if !ok {
			continue
		}
		text.WriteString(variant.Text)
		for _, c := range variant.Citations {
			chunk := domain.GroundingChunk{
				DocumentTitle: c.DocumentTitle,
				DocumentIndex: int(c.DocumentIndex),
				Text:          c.CitedText,
			}
			if c.StartPageNumber > 0 {
				chunk.StartPage = int(c.StartPageNumber)
				// the API reports an exclusive end page
				chunk.EndPage = int(c.EndPageNumber) - 1
				if chunk.EndPage < chunk.StartPage {
					chunk.EndPage = chunk.StartPage
				}
			}
			if chunk.DocumentTitle == "" && chunk.DocumentIndex >= 0 && chunk.DocumentIndex < len(attached) {
				chunk.DocumentTitle = attached[chunk.DocumentIndex].Name
			}
			out.Grounding = append(out.Grounding, chunk)
		}
	}
	out.Text = text.String()
	out.InputTokens = resp.Usage.InputTokens
	out.OutputTokens = resp.Usage.OutputTokens
	return out, nil
}

func classifyAnthropic(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.StatusCode, Retryable: RetryableStatus(apiErr.StatusCode), Err: err}
	}
	return &ProviderError{Retryable: IsRetryable(err), Err: err}
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}
