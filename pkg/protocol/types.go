package protocol

// Shared types for data that crosses the core boundary as interchange text.

// Value is a runtime value or AST node decoded from interchange text: string, float64,
// bool, nil, []any or map[string]any, nested arbitrarily.
type Value = any

// Span is a byte range in the source text an error refers to.
type Span struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Len returns the number of bytes covered by the span.
// Empty spans (Start == End) are valid and point between two bytes.
func (s Span) Len() uint32 {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

// Valid reports whether Start <= End.
func (s Span) Valid() bool {
	return s.Start <= s.End
}

// ErrorPayload is the error document a core returns with a non-zero status.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Span    Span   `json:"span"`
}

// ParseReport is the result of a recovery-mode parse.
type ParseReport struct {
	Document Value          `json:"document"`
	Errors   []ErrorPayload `json:"errors"`
}
