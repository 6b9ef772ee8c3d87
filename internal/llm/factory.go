package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/casualmcp/casualmcp/internal/config"
)

// ErrUnknownModel is wrapped by Factory.GetModel for unconfigured models.
var ErrUnknownModel = errors.New("unknown model")

// ErrUnknownClient is wrapped when a model references a missing client.
var ErrUnknownClient = errors.New("unknown client")

// OllamaBaseURL is the OpenAI-compatible endpoint of a local Ollama.
const OllamaBaseURL = "http://localhost:11434/v1"

// Model is a configured model bound to its provider, ready to chat.
type Model struct {
	Name        string
	ModelID     string
	Template    string
	Temperature *float64
	provider    Provider
}

// NewModel binds a model id to a provider directly, bypassing the
// factory. Useful when the caller already holds a Provider.
func NewModel(name, modelID string, provider Provider) *Model {
	return &Model{Name: name, ModelID: modelID, provider: provider}
}

// Chat sends the messages and tools to the model's provider, applying the
// model's configured temperature.
func (m *Model) Chat(ctx context.Context, messages []Message, tools []ToolDef) (*ChatResponse, error) {
	return m.provider.Chat(ctx, &ChatRequest{
		Model:       m.ModelID,
		Messages:    messages,
		Tools:       tools,
		Temperature: m.Temperature,
	})
}

// Provider returns the provider the model is bound to.
func (m *Model) Provider() Provider {
	return m.provider
}

// Factory resolves model names from config into ready Model instances,
// memoising one provider per configured client.
type Factory struct {
	cfg *config.Config

	mu        sync.Mutex
	providers map[string]Provider
}

// NewFactory creates a factory over the loaded config.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg:       cfg,
		providers: make(map[string]Provider),
	}
}

// GetModel resolves a configured model by name.
func (f *Factory) GetModel(name string) (*Model, error) {
	modelCfg, ok := f.cfg.Models[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'. Available: %v",
			ErrUnknownModel, name, sortedKeys(f.cfg.Models))
	}

	provider, err := f.provider(modelCfg.Client)
	if err != nil {
		return nil, err
	}

	return &Model{
		Name:        name,
		ModelID:     modelCfg.Model,
		Template:    modelCfg.Template,
		Temperature: modelCfg.Temperature,
		provider:    provider,
	}, nil
}

func (f *Factory) provider(clientName string) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.providers[clientName]; ok {
		return p, nil
	}

	clientCfg, ok := f.cfg.Clients[clientName]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'. Available: %v",
			ErrUnknownClient, clientName, sortedKeys(f.cfg.Clients))
	}

	timeout := time.Duration(clientCfg.Timeout) * time.Second
	baseURL := clientCfg.BaseURL

	var p Provider
	switch clientCfg.Provider {
	case "openai":
		p = NewOpenAIProvider(clientName, clientCfg.APIKey, baseURL, timeout)
	case "ollama":
		if baseURL == "" {
			baseURL = OllamaBaseURL
		}
		// Ollama ignores the key but the SDK wants one.
		apiKey := clientCfg.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		p = NewOpenAIProvider(clientName, apiKey, baseURL, timeout)
	default:
		return nil, fmt.Errorf("client '%s' has unknown provider '%s'", clientName, clientCfg.Provider)
	}

	f.providers[clientName] = p
	return p, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
