// Package invoker turns an agent's soul and conversation history into a
// model call against the agent's configured provider. Providers wrap the
// official Anthropic and OpenAI SDKs.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/basket/agentflow/internal/persistence"
)

// Message is one turn handed to a provider.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a single generation request.
type Request struct {
	Model   string
	Soul    string // system prompt
	History []Message
	Input   string // current user message, if not already the history tail
}

// Provider generates a reply for one request.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// ErrUnknownProvider is returned when an agent names a provider the
// registry has no credentials for.
var ErrUnknownProvider = errors.New("unknown provider")

// Credentials holds the provider API keys from config/env.
type Credentials struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds a registry with one provider per configured key.
func NewRegistry(creds Credentials) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	if creds.AnthropicAPIKey != "" {
		r.Register(NewAnthropicProvider(creds.AnthropicAPIKey))
	}
	if creds.OpenAIAPIKey != "" {
		r.Register(NewOpenAIProvider(creds.OpenAIAPIKey))
	}
	return r
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

// Router adapts persisted agents and history to provider calls. It is
// the engine's invoker.
type Router struct {
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Generate invokes the agent's provider with its soul, the bounded
// history window, and the current input. The engine appends the user
// message before loading history, so an input already sitting at the
// history tail is not sent twice.
func (r *Router) Generate(ctx context.Context, agent persistence.Agent, history []persistence.Message, input string) (string, error) {
	provider, err := r.registry.Get(agent.Provider)
	if err != nil {
		return "", err
	}

	req := Request{
		Model:   agent.Model,
		Soul:    agent.Soul,
		History: make([]Message, 0, len(history)),
	}
	for _, m := range history {
		req.History = append(req.History, Message{Role: m.Role, Content: m.Content})
	}
	if n := len(req.History); n == 0 || req.History[n-1].Role != "user" || req.History[n-1].Content != input {
		req.Input = input
	}
	return provider.Generate(ctx, req)
}

// messagesForProvider flattens a request into an ordered turn list ending
// with the current input when it is not already the tail.
func messagesForProvider(req Request) []Message {
	msgs := req.History
	if req.Input != "" {
		msgs = append(msgs, Message{Role: "user", Content: req.Input})
	}
	return msgs
}
