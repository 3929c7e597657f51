package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/md-rashed-zaman/msgcore/libs/retry"
)

var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrMalformedPayload   = errors.New("malformed event payload")
	ErrInvalidEventType   = errors.New("invalid event type")
	ErrDuplicateEventType = errors.New("event type already registered")
)

func init() {
	retry.RegisterPermanent(ErrUnknownEventType, ErrMalformedPayload, ErrInvalidEventType)
}

// Decoder turns a stored payload back into an event.
type Decoder func(payload []byte) (Event, error)

// Registry maps event-type tags to decoders. It is filled at startup and
// read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

func (r *Registry) Register(eventType string, dec Decoder) error {
	if err := ValidateType(eventType); err != nil {
		return err
	}
	if dec == nil {
		return fmt.Errorf("register %s: nil decoder", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEventType, eventType)
	}
	r.decoders[eventType] = dec
	return nil
}

// Register adds a JSON decoder for T under T's own tag. T must be a value
// type whose EventType method works on the zero value.
func Register[T Event](r *Registry) error {
	var zero T
	return r.Register(zero.EventType(), func(payload []byte) (Event, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

func MustRegister[T Event](r *Registry) {
	if err := Register[T](r); err != nil {
		panic(err)
	}
}

// Raw is the decoded form of events registered with RegisterRaw.
type Raw struct {
	Type string
	Body json.RawMessage
}

func (e Raw) EventType() string { return e.Type }

func (e Raw) MarshalJSON() ([]byte, error) {
	if len(e.Body) == 0 {
		return []byte("null"), nil
	}
	return e.Body, nil
}

// RegisterRaw accepts any well-formed JSON object for eventType without
// binding it to a Go type. Used by processes that only move events around.
func (r *Registry) RegisterRaw(eventType string) error {
	return r.Register(eventType, func(payload []byte) (Event, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, err
		}
		return Raw{Type: eventType, Body: append(json.RawMessage(nil), payload...)}, nil
	})
}

func (r *Registry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[eventType]
	return ok
}

// Types lists registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Decode(eventType string, payload []byte) (Event, error) {
	r.mu.RLock()
	dec, ok := r.decoders[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformedPayload, eventType)
	}
	evt, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, eventType, err)
	}
	return evt, nil
}

// Encode serializes an event whose tag is registered. Unregistered events are
// rejected so nothing reaches an outbox that its relay could not decode.
func (r *Registry) Encode(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEventType)
	}
	t := evt.EventType()
	if !r.Has(t) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return b, nil
}

// ValidateType checks the "<module>.<Name>[.vN]" shape.
func ValidateType(eventType string) error {
	if eventType == "" || strings.TrimSpace(eventType) != eventType || strings.ContainsAny(eventType, " \t\n/") {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	parts := strings.Split(eventType, ".")
	if len(parts) < 2 {
		return fmt.Errorf("%w: %q has no module prefix", ErrInvalidEventType, eventType)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
		}
	}
	return nil
}
