package computeadapter

import (
	"encoding/json"
	"errors"
	"strings"
)

// ResultTag marks the artifact section that carries the run output.
const ResultTag = "result"

var errNoResultSection = errors.New("computeadapter: artifact has no result section")

// Artifact is the output document of a finished run.
type Artifact struct {
	Sections []Section `json:"sections"`
}

// Section is one block of an artifact.
type Section struct {
	Tags    []string `json:"tags"`
	Source  string   `json:"source"`
	Outputs []Output `json:"outputs"`
}

// Output is one rendered output of a section.
type Output struct {
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Extract returns the value of the section tagged "result". Structured
// outputs win over plain text, and the section source is used last.
func (a Artifact) Extract() (any, error) {
	section, ok := a.resultSection()
	if !ok {
		return nil, errNoResultSection
	}
	for _, out := range section.Outputs {
		if v, ok := out.Data["application/json"]; ok && v != nil {
			if s, isText := v.(string); isText {
				return ParseLoose(s), nil
			}
			return v, nil
		}
	}
	for _, out := range section.Outputs {
		if v, ok := out.Data["text/plain"]; ok && v != nil {
			if s, isText := v.(string); isText {
				return ParseLoose(s), nil
			}
			return v, nil
		}
		if strings.TrimSpace(out.Text) != "" {
			return ParseLoose(out.Text), nil
		}
	}
	if strings.TrimSpace(section.Source) == "" {
		return nil, errors.New("computeadapter: result section is empty")
	}
	return ParseLoose(section.Source), nil
}

func (a Artifact) resultSection() (Section, bool) {
	for _, s := range a.Sections {
		for _, tag := range s.Tags {
			if strings.EqualFold(strings.TrimSpace(tag), ResultTag) {
				return s, true
			}
		}
	}
	return Section{}, false
}

// ParseLoose decodes text as JSON after normalizing loose literal syntax.
// Text that still fails to decode is returned trimmed.
func ParseLoose(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	var out any
	if err := json.Unmarshal([]byte(NormalizeLoose(trimmed)), &out); err == nil {
		return out
	}
	return trimmed
}
