package health

import "strings"

// Severity grades how serious a recorded backend error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the outcome of classifying an error message.
type Classification struct {
	Recoverable bool
	Severity    Severity
}

// Classifier turns an error message into a Classification. Swap the default
// keyword heuristics for one that understands structured codes when a
// backend can supply them.
type Classifier interface {
	Classify(message string) Classification
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(message string) Classification

func (f ClassifierFunc) Classify(message string) Classification { return f(message) }

// KeywordClassifier matches case-insensitive substrings. Severity keyword
// sets are checked from most to least severe; the first hit wins.
type KeywordClassifier struct {
	Recoverable []string
	Critical    []string
	High        []string
	Medium      []string
}

// DefaultClassifier returns the stock keyword sets.
func DefaultClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		Recoverable: []string{"network", "timeout", "connection", "temporary", "rate limit"},
		Critical:    []string{"authentication failed", "access denied", "permission", "unauthorized", "corrupted"},
		High:        []string{"storage full", "quota exceeded", "service unavailable"},
		Medium:      []string{"timeout", "network", "connection"},
	}
}

func (k *KeywordClassifier) Classify(message string) Classification {
	msg := strings.ToLower(message)

	c := Classification{
		Recoverable: containsAny(msg, k.Recoverable),
		Severity:    SeverityLow,
	}
	switch {
	case containsAny(msg, k.Critical):
		c.Severity = SeverityCritical
	case containsAny(msg, k.High):
		c.Severity = SeverityHigh
	case containsAny(msg, k.Medium):
		c.Severity = SeverityMedium
	}
	return c
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

var defaultClassifier = DefaultClassifier()

// IsRecoverable classifies message with the default keyword sets.
func IsRecoverable(message string) bool {
	return defaultClassifier.Classify(message).Recoverable
}

// ErrorSeverity classifies message with the default keyword sets.
func ErrorSeverity(message string) Severity {
	return defaultClassifier.Classify(message).Severity
}
