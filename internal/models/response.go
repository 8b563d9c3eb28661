package models

// ResponseKind is the tag of a response directive
type ResponseKind string

// Response directive kinds
const (
	KindUnknown   ResponseKind = ""
	KindIs        ResponseKind = "is"
	KindProxy     ResponseKind = "proxy"
	KindProxyOnce ResponseKind = "proxyOnce"
	KindInject    ResponseKind = "inject"
)

// Proxy modes
const (
	ProxyModeAlways = "proxyAlways"
	ProxyModeOnce   = "proxyOnce"
)

// Response is a concrete protocol response
type Response struct {
	StatusCode        int                    `json:"statusCode,omitempty"`
	Headers           map[string]interface{} `json:"headers,omitempty"`
	Body              interface{}            `json:"body,omitempty"`
	Data              string                 `json:"data,omitempty"`
	ProxyResponseTime *int64                 `json:"_proxyResponseTime,omitempty"`
}

// Clone returns a deep copy of the response
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Headers != nil {
		clone.Headers = CloneValue(r.Headers).(map[string]interface{})
	}
	clone.Body = CloneValue(r.Body)
	if r.ProxyResponseTime != nil {
		elapsed := *r.ProxyResponseTime
		clone.ProxyResponseTime = &elapsed
	}
	return &clone
}

// ProxyConfig describes a downstream target
type ProxyConfig struct {
	To            string            `json:"to"`
	Mode          string            `json:"mode,omitempty"`
	InjectHeaders map[string]string `json:"injectHeaders,omitempty"`
}

// Behaviors post-process a resolved response
type Behaviors struct {
	Wait int `json:"wait,omitempty"` // milliseconds
}

// ResponseDirective is one unit of a stub's response rotation. Exactly one
// of Is, Proxy, ProxyOnce or Inject must be set.
type ResponseDirective struct {
	Is        *Response    `json:"is,omitempty"`
	Proxy     *ProxyConfig `json:"proxy,omitempty"`
	ProxyOnce *ProxyConfig `json:"proxyOnce,omitempty"`
	Inject    string       `json:"inject,omitempty"`
	Repeat    int          `json:"repeat,omitempty"`
	Behaviors *Behaviors   `json:"_behaviors,omitempty"`
}

// Kind returns the directive's tag, or KindUnknown when zero or several
// tags are set
func (d ResponseDirective) Kind() ResponseKind {
	kind := KindUnknown
	tags := 0
	if d.Is != nil {
		kind = KindIs
		tags++
	}
	if d.Proxy != nil {
		kind = KindProxy
		if d.Proxy.Mode == ProxyModeOnce {
			kind = KindProxyOnce
		}
		tags++
	}
	if d.ProxyOnce != nil {
		kind = KindProxyOnce
		tags++
	}
	if d.Inject != "" {
		kind = KindInject
		tags++
	}
	if tags != 1 {
		return KindUnknown
	}
	return kind
}

// ProxyTarget returns the proxy configuration of a proxy or proxyOnce directive
func (d ResponseDirective) ProxyTarget() *ProxyConfig {
	if d.ProxyOnce != nil {
		return d.ProxyOnce
	}
	return d.Proxy
}

// RepeatCount returns how many consecutive resolutions return the directive
func (d ResponseDirective) RepeatCount() int {
	if d.Repeat <= 0 {
		return 1
	}
	return d.Repeat
}

// IsRecordedProxyResponse reports whether the directive was captured from a proxy
func (d ResponseDirective) IsRecordedProxyResponse() bool {
	return d.Is != nil && d.Is.ProxyResponseTime != nil
}

// Clone returns a deep copy of the directive
func (d ResponseDirective) Clone() ResponseDirective {
	clone := d
	clone.Is = d.Is.Clone()
	if d.Proxy != nil {
		proxy := *d.Proxy
		clone.Proxy = &proxy
	}
	if d.ProxyOnce != nil {
		proxy := *d.ProxyOnce
		clone.ProxyOnce = &proxy
	}
	if d.Behaviors != nil {
		behaviors := *d.Behaviors
		clone.Behaviors = &behaviors
	}
	return clone
}
