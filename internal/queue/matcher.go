package queue

import (
	"bytes"
	"encoding/json"
)

// Verdict is a matcher's answer. Abstain passes the decision down the chain.
type Verdict int

const (
	Abstain Verdict = iota
	Match
	NoMatch
)

// Matcher decides whether a raw payload belongs to jobType.
type Matcher interface {
	Match(payload []byte, jobType string) Verdict
}

// MatcherChain asks each matcher in order; the first non-abstaining verdict wins.
type MatcherChain []Matcher

// DefaultMatchers compares identity fields and falls back to a substring search.
func DefaultMatchers() MatcherChain {
	return MatcherChain{FieldMatcher{}, SubstringMatcher{}}
}

func (c MatcherChain) Matches(payload []byte, jobType string) bool {
	for _, m := range c {
		switch m.Match(payload, jobType) {
		case Match:
			return true
		case NoMatch:
			return false
		}
	}
	return false
}

// FieldMatcher decodes the payload and compares displayName, data.commandName, job and type.
// It abstains when the payload is not JSON or carries none of those fields.
type FieldMatcher struct{}

type identity struct {
	DisplayName string `json:"displayName"`
	Job         string `json:"job"`
	Type        string `json:"type"`
	Data        struct {
		CommandName string `json:"commandName"`
	} `json:"data"`
}

func (FieldMatcher) Match(payload []byte, jobType string) Verdict {
	var id identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return Abstain
	}
	fields := []string{id.DisplayName, id.Data.CommandName, id.Job, id.Type}
	seen := false
	for _, f := range fields {
		if f == "" {
			continue
		}
		seen = true
		if f == jobType {
			return Match
		}
	}
	if !seen {
		return Abstain
	}
	return NoMatch
}

// SubstringMatcher searches the raw payload for the job type.
type SubstringMatcher struct{}

func (SubstringMatcher) Match(payload []byte, jobType string) Verdict {
	if jobType != "" && bytes.Contains(payload, []byte(jobType)) {
		return Match
	}
	return NoMatch
}
