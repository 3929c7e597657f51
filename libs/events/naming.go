package events

import (
	"strings"
	"unicode"
)

var typeSuffixes = []string{"IntegrationEvent", "Event"}

// TopicName derives the broker topic for an event type:
// "orders.OrderPlacedIntegrationEvent.v1" becomes "orders.order-placed.v1".
func TopicName(eventType string) string {
	parts := strings.Split(eventType, ".")
	for i, p := range parts {
		for _, suffix := range typeSuffixes {
			if len(p) > len(suffix) && strings.HasSuffix(p, suffix) {
				p = strings.TrimSuffix(p, suffix)
				break
			}
		}
		parts[i] = kebab(p)
	}
	return strings.Join(parts, ".")
}

// QueueName is the consumer-owned queue bound to an event type's topic.
func QueueName(consumer, eventType string) string {
	return kebab(consumer) + "." + TopicName(eventType)
}

// ModuleOf returns the owning module prefix of an event type.
func ModuleOf(eventType string) string {
	module, _, _ := strings.Cut(eventType, ".")
	return module
}

func kebab(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		switch {
		case r == '_' || r == ' ' || r == '-':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteByte('-')
			}
			continue
		case unicode.IsUpper(r):
			if i > 0 && !strings.HasSuffix(b.String(), "-") {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('-')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}
