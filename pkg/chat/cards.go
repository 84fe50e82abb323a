package chat

import (
	"fmt"
	"sort"
)

// CardRenderer turns the raw data of a custom card into display text
type CardRenderer interface {
	RenderCard(data string) (string, error)
}

// CardRendererFunc adapts a plain function to CardRenderer
type CardRendererFunc func(data string) (string, error)

func (f CardRendererFunc) RenderCard(data string) (string, error) {
	return f(data)
}

// CardRegistry maps card types to renderers. It is built once by the caller
// and passed to whatever presents messages.
type CardRegistry struct {
	renderers map[string]CardRenderer
}

func NewCardRegistry() *CardRegistry {
	return &CardRegistry{renderers: make(map[string]CardRenderer)}
}

// Register adds or replaces the renderer for cardType
func (r *CardRegistry) Register(cardType string, renderer CardRenderer) {
	r.renderers[cardType] = renderer
}

func (r *CardRegistry) Lookup(cardType string) (CardRenderer, bool) {
	if r == nil {
		return nil, false
	}
	renderer, ok := r.renderers[cardType]
	return renderer, ok
}

// Types returns the registered card types in sorted order
func (r *CardRegistry) Types() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.renderers))
	for cardType := range r.renderers {
		types = append(types, cardType)
	}
	sort.Strings(types)
	return types
}

// Render renders the card carried by msg. The boolean is false when msg has
// no card or no renderer is registered for its type.
func (r *CardRegistry) Render(msg Message) (string, bool, error) {
	if !msg.IsCard() {
		return "", false, nil
	}
	renderer, ok := r.Lookup(msg.SpecialType)
	if !ok {
		return "", false, nil
	}
	text, err := renderer.RenderCard(msg.SpecialData)
	if err != nil {
		return "", true, fmt.Errorf("render card %s: %w", msg.SpecialType, err)
	}
	return text, true, nil
}
