package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"kindled/pkg/chat"
	"kindled/pkg/logger"
)

const requestTimeout = 120 * time.Second

// KeyState tracks per-key health so requests drift toward keys that work.
type KeyState struct {
	Key          string
	FailureCount int
	LastUsed     time.Time
	LastSuccess  time.Time
}

// Client talks to an OpenAI-compatible endpoint. Chat replies and decision
// calls use separate models on the same connection.
type Client struct {
	keys      []*KeyState
	keyMu     sync.RWMutex
	clients   map[string]openai.Client
	clientsMu sync.RWMutex

	baseURL       string
	chatModel     string
	decisionModel string
	temperature   float64
	topP          float64
	maxTokens     int64
}

type Config struct {
	BaseURL       string
	APIKeys       string // comma separated
	ChatModel     string
	DecisionModel string
	Temperature   float64
	TopP          float64
	MaxTokens     int64
}

func NewClient(cfg Config) *Client {
	keyStrings := strings.Split(cfg.APIKeys, ",")
	keys := make([]*KeyState, 0, len(keyStrings))
	for _, k := range keyStrings {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, &KeyState{Key: k})
		}
	}
	if len(keys) == 0 {
		logger.Warnf("llm: no API keys configured")
	} else {
		logger.Infof("llm: loaded %d API key(s)", len(keys))
	}

	decisionModel := cfg.DecisionModel
	if decisionModel == "" {
		decisionModel = cfg.ChatModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	return &Client{
		keys:          keys,
		clients:       make(map[string]openai.Client),
		baseURL:       cfg.BaseURL,
		chatModel:     cfg.ChatModel,
		decisionModel: decisionModel,
		temperature:   cfg.Temperature,
		topP:          cfg.TopP,
		maxTokens:     maxTokens,
	}
}

func (c *Client) getClient(key string) openai.Client {
	c.clientsMu.RLock()
	if client, ok := c.clients[key]; ok {
		c.clientsMu.RUnlock()
		return client
	}
	c.clientsMu.RUnlock()

	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	client := openai.NewClient(
		option.WithBaseURL(c.baseURL),
		option.WithAPIKey(key),
	)
	c.clients[key] = client
	return client
}

func (c *Client) getBestKey() *KeyState {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	if len(c.keys) == 0 {
		return nil
	}
	best := c.keys[0]
	for _, k := range c.keys[1:] {
		if k.FailureCount < best.FailureCount {
			best = k
		}
	}
	return best
}

func (c *Client) recordSuccess(key *KeyState) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	key.LastSuccess = time.Now()
	key.LastUsed = time.Now()
	if key.FailureCount > 0 {
		key.FailureCount--
	}
}

func (c *Client) recordFailure(key *KeyState) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	key.FailureCount++
	key.LastUsed = time.Now()
}

func (c *Client) completion(ctx context.Context, model string, msgs []chat.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	keyState := c.getBestKey()
	if keyState == nil {
		return "", fmt.Errorf("no API keys configured")
	}
	client := c.getClient(keyState.Key)

	chatMessages := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, msg := range msgs {
		switch msg.Role {
		case "system":
			chatMessages[i] = openai.SystemMessage(msg.Content)
		case "assistant":
			chatMessages[i] = openai.AssistantMessage(msg.Content)
		default:
			chatMessages[i] = openai.UserMessage(msg.Content)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    chatMessages,
		Temperature: openai.Float(c.temperature),
		TopP:        openai.Float(c.topP),
		MaxTokens:   openai.Int(c.maxTokens),
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		c.recordFailure(keyState)
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", model)
	}

	c.recordSuccess(keyState)
	return resp.Choices[0].Message.Content, nil
}

// Complete generates reply text with the chat model.
func (c *Client) Complete(ctx context.Context, msgs []chat.Message) (string, error) {
	return c.completion(ctx, c.chatModel, msgs)
}

// Decide runs the decision model and parses its JSON verdict.
func (c *Client) Decide(ctx context.Context, msgs []chat.Message) (*chat.Decision, error) {
	raw, err := c.completion(ctx, c.decisionModel, msgs)
	if err != nil {
		return nil, err
	}
	return chat.ParseDecision(raw)
}
