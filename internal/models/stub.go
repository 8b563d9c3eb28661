package models

// Stub is one ordered matching rule of an imposter
type Stub struct {
	Predicates map[string]interface{} `json:"predicates,omitempty"`
	Responses  []ResponseDirective    `json:"responses"`
	Matches    []Match                `json:"matches,omitempty"`
}

// Match is an audit entry linking a request to the response it produced
type Match struct {
	Timestamp      string             `json:"timestamp"`
	Request        Request            `json:"request"`
	Response       *Response          `json:"response"`
	ResponseConfig *ResponseDirective `json:"responseConfig,omitempty"`
	Duration       int64              `json:"duration"`
}

// Clone returns a deep copy of the stub
func (s Stub) Clone() Stub {
	clone := Stub{}
	if s.Predicates != nil {
		clone.Predicates = CloneValue(s.Predicates).(map[string]interface{})
	}
	if s.Responses != nil {
		clone.Responses = make([]ResponseDirective, len(s.Responses))
		for i, response := range s.Responses {
			clone.Responses[i] = response.Clone()
		}
	}
	if s.Matches != nil {
		clone.Matches = make([]Match, len(s.Matches))
		copy(clone.Matches, s.Matches)
	}
	return clone
}

