package contracts

import (
	"fmt"
	"strings"
)

// Correlation identifies what triggered an operation, serialized as
// "{source}:{identifier}" (e.g. "mission:m-42"). The string form is a log
// compatibility contract; both halves must stay recoverable.
type Correlation struct {
	Source     string
	Identifier string
}

// String renders the wire form.
func (c Correlation) String() string {
	return c.Source + ":" + c.Identifier
}

// ParseCorrelation splits the wire form back into source and identifier.
// Identifiers may themselves contain colons; only the first separates.
func ParseCorrelation(s string) (Correlation, error) {
	src, id, ok := strings.Cut(s, ":")
	if !ok || src == "" {
		return Correlation{}, fmt.Errorf("contracts: malformed correlation %q", s)
	}
	return Correlation{Source: src, Identifier: id}, nil
}

// TriggeredBy is shorthand for building the wire form.
func TriggeredBy(source, identifier string) string {
	return Correlation{Source: source, Identifier: identifier}.String()
}
