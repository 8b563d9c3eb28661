package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Imposter is the serializable form of one simulated network endpoint.
// Protocol specific settings that the core does not understand are kept in
// Config and flattened into the JSON object.
type Imposter struct {
	Protocol        string                 `json:"protocol" validate:"required"`
	Port            int                    `json:"port" validate:"gte=0,lte=65535"`
	Name            string                 `json:"name,omitempty"`
	RecordRequests  bool                   `json:"recordRequests,omitempty"`
	DefaultResponse *Response              `json:"defaultResponse,omitempty"`
	Stubs           []Stub                 `json:"stubs,omitempty"`
	Requests        []Request              `json:"requests,omitempty"`
	Config          map[string]interface{} `json:"-"`
}

// imposterAlias drops the custom JSON methods to avoid recursion
type imposterAlias Imposter

var knownImposterFields = []string{"protocol", "port", "name", "recordRequests", "defaultResponse", "stubs", "requests"}

// MarshalJSON flattens Config next to the known fields
func (i Imposter) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(imposterAlias(i))
	if err != nil || len(i.Config) == 0 {
		return known, err
	}

	merged := make(map[string]interface{})
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, value := range i.Config {
		if _, taken := merged[key]; !taken {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON collects unknown fields into Config
func (i *Imposter) UnmarshalJSON(data []byte) error {
	var alias imposterAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	raw := make(map[string]interface{})
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range knownImposterFields {
		delete(raw, key)
	}

	*i = Imposter(alias)
	if len(raw) > 0 {
		i.Config = raw
	}
	return nil
}

// Validate checks the header fields of the imposter
func (i *Imposter) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid imposter: %w", err)
	}
	return nil
}

// Header returns a copy of the imposter without stubs or requests
func (i *Imposter) Header() *Imposter {
	header := *i
	header.Stubs = nil
	header.Requests = nil
	if i.DefaultResponse != nil {
		header.DefaultResponse = i.DefaultResponse.Clone()
	}
	if i.Config != nil {
		header.Config = CloneValue(i.Config).(map[string]interface{})
	}
	return &header
}

// Clone returns a deep copy of the imposter
func (i *Imposter) Clone() *Imposter {
	clone := i.Header()
	if i.Stubs != nil {
		clone.Stubs = make([]Stub, len(i.Stubs))
		for idx, stub := range i.Stubs {
			clone.Stubs[idx] = stub.Clone()
		}
	}
	if i.Requests != nil {
		clone.Requests = make([]Request, len(i.Requests))
		for idx, req := range i.Requests {
			clone.Requests[idx] = req.Clone()
		}
	}
	return clone
}

// Timestamp formats a time the way match and request records store it
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
