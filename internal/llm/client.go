package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/docsage/backend/internal/metrics"
	"github.com/docsage/backend/pkg/circuitbreaker"
	"github.com/docsage/backend/pkg/logger"
	"github.com/docsage/backend/pkg/retry"
)

// NotRelevantMarker is the verdict marker the judge model emits when a chunk
// does not help answer the question. Any reply containing it rejects the
// chunk; everything else counts as relevant.
const NotRelevantMarker = "NOT_RELEVANT:"

// Config carries the connection and sampling settings for the model endpoint.
// BaseURL points at any OpenAI-compatible server (Ollama, vLLM, OpenAI).
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Judgement is the outcome of one relevance check: the verdict plus the exact
// prompts and raw reply so callers can record the full exchange.
type Judgement struct {
	Relevant     bool
	Response     string
	RawResponse  string
	SystemPrompt string
	UserPrompt   string
}

func NewClient(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("base_url", clientConfig.BaseURL),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response is empty")
			}

			metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "prompt").Add(float64(resp.Usage.PromptTokens))

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return embedding, nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		batchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.cb.Execute(batchCtx, func() error {
			return retry.Do(batchCtx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(
					batchCtx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					},
				)

				if err != nil {
					return fmt.Errorf("failed to generate batch embeddings: %w", err)
				}

				metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "prompt").Add(float64(resp.Usage.PromptTokens))

				for _, data := range resp.Data {
					embedding := make([]float32, len(data.Embedding))
					copy(embedding, data.Embedding)
					embeddings = append(embeddings, embedding)
				}

				return nil
			})
		})
		cancel()

		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// JudgePrompts returns the system and user prompts for one relevance check,
// so callers can record the exact exchange even when the model call fails.
func JudgePrompts(question, chunk string) (system, user string) {
	system = fmt.Sprintf(`You are a strict relevance judge. You will be given one document excerpt and one question.

Decide whether the excerpt contains information that helps answer the question.

If it does, reply with the single word RELEVANT.

If it does not, reply with a single line starting with exactly:
%s
followed by a brief reason.

Base the decision only on the excerpt.`, NotRelevantMarker)

	user = fmt.Sprintf("Document excerpt:\n%s\n\nQuestion: %s", chunk, question)
	return system, user
}

// JudgeRelevance asks the model whether one document chunk helps answer the
// question. A reply containing the NOT_RELEVANT marker anywhere rejects the
// chunk, so a hedging preamble before the marker does not flip the verdict.
func (c *Client) JudgeRelevance(ctx context.Context, question, chunk string) (*Judgement, error) {
	systemPrompt, userPrompt := JudgePrompts(question, chunk)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to judge relevance: %w", err)
	}

	normalized := Normalize(resp.Content)
	relevant := !strings.Contains(normalized, NotRelevantMarker)

	logger.Debug("Relevance judged",
		zap.Bool("relevant", relevant),
		zap.Int("response_length", len(normalized)),
	)

	return &Judgement{
		Relevant:     relevant,
		Response:     normalized,
		RawResponse:  resp.Content,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	}, nil
}

// Synthesize answers the question from the chunks that survived the
// relevance filter, labeled in document order.
func (c *Client) Synthesize(ctx context.Context, question string, chunks []string) (string, error) {
	systemPrompt := `You are a precise assistant. You will be given a question and several document excerpts that were judged relevant to it.

Answer the question using only the excerpts. Resolve overlaps, keep every distinct fact, and do not add information the excerpts do not contain.`

	var builder strings.Builder
	for i, chunk := range chunks {
		builder.WriteString(fmt.Sprintf("Document %d:\n%s\n\n", i+1, chunk))
	}
	userPrompt := fmt.Sprintf("Question: %s\n\nDocuments:\n%s", question, builder.String())

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
	})

	if err != nil {
		return "", fmt.Errorf("failed to synthesize answer: %w", err)
	}

	logger.Info("Answer synthesized",
		zap.Int("documents", len(chunks)),
		zap.Int("answer_length", len(resp.Content)),
	)

	return Normalize(resp.Content), nil
}

// Normalize puts model output into NFC form and strips surrounding
// whitespace, so verdict prefixes and cached answers compare reliably.
func Normalize(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
