package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// AcknowledgementLabel identifies a requested acknowledgement.
type AcknowledgementLabel string

// Built-in labels.
const (
	LabelTwinPersisted AcknowledgementLabel = "twin-persisted"
	LabelLiveResponse  AcknowledgementLabel = "live-response"
)

const maxLabelLength = 100

// ParseLabel validates a label: non-empty, at most 100 characters, no whitespace.
func ParseLabel(s string) (AcknowledgementLabel, error) {
	if s == "" {
		return "", fmt.Errorf("acknowledgement label must not be empty")
	}
	if len(s) > maxLabelLength {
		return "", fmt.Errorf("acknowledgement label %q exceeds %d characters", s, maxLabelLength)
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("acknowledgement label %q must not contain whitespace", s)
	}
	return AcknowledgementLabel(s), nil
}

// AcknowledgementRequest wraps a label with an optional timeout. Two requests
// are equal if their labels are.
type AcknowledgementRequest struct {
	Label   AcknowledgementLabel `yaml:"label" json:"label"`
	Timeout time.Duration        `yaml:"timeout,omitempty" json:"-"`
}

// RequestsFor creates requests for the given labels.
func RequestsFor(labels ...AcknowledgementLabel) []AcknowledgementRequest {
	out := make([]AcknowledgementRequest, 0, len(labels))
	for _, l := range labels {
		out = append(out, AcknowledgementRequest{Label: l})
	}
	return out
}

// ParseAcknowledgementRequests parses a JSON array of label strings.
func ParseAcknowledgementRequests(raw string) ([]AcknowledgementRequest, error) {
	var labels []string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, fmt.Errorf("requested acknowledgements must be a JSON array of strings: %w", err)
	}
	out := make([]AcknowledgementRequest, 0, len(labels))
	for _, s := range labels {
		l, err := ParseLabel(s)
		if err != nil {
			return nil, err
		}
		out = UnionRequests(out, []AcknowledgementRequest{{Label: l}})
	}
	return out, nil
}

func formatAcknowledgementRequests(reqs []AcknowledgementRequest) string {
	labels := make([]string, 0, len(reqs))
	for _, r := range reqs {
		labels = append(labels, string(r.Label))
	}
	b, _ := json.Marshal(labels)
	return string(b)
}

// Labels returns the labels of the given requests.
func Labels(reqs []AcknowledgementRequest) []AcknowledgementLabel {
	out := make([]AcknowledgementLabel, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Label)
	}
	return out
}

// UnionRequests returns a followed by every request of b whose label is not in a.
func UnionRequests(a, b []AcknowledgementRequest) []AcknowledgementRequest {
	out := make([]AcknowledgementRequest, 0, len(a)+len(b))
	seen := make(map[AcknowledgementLabel]struct{}, len(a)+len(b))
	for _, list := range [][]AcknowledgementRequest{a, b} {
		for _, r := range list {
			if _, ok := seen[r.Label]; ok {
				continue
			}
			seen[r.Label] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
