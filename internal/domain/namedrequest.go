package domain

import "time"

// Verb is an allowed outbound HTTP method for a NamedRequest (spec
// §4.4.5 step 6). Any other verb, including HEAD, is rejected.
type Verb string

const (
	VerbGet    Verb = "get"
	VerbPost   Verb = "post"
	VerbPut    Verb = "put"
	VerbPatch  Verb = "patch"
	VerbDelete Verb = "delete"
)

func (v Verb) Valid() bool {
	switch v {
	case VerbGet, VerbPost, VerbPut, VerbPatch, VerbDelete:
		return true
	}
	return false
}

// NamedRequest is a declarative outbound HTTP call template (spec §3,
// §4.4.5) that a guest may invoke by name through make_named_request.
type NamedRequest struct {
	Name string
	Verb Verb
	// URI may contain {var} placeholders substituted from the guest's
	// supplied variables map.
	URI string

	StaticHeaders map[string]string
	StaticBody    *string

	ReturnBody bool
	ReturnCode bool
	ReturnCert bool

	AllowedRules        []string
	AvailableInTestMode bool

	Timeout        time.Duration
	RootCA         []byte
	AllowRedirects bool
	CaptureCerts   bool
}

func (r NamedRequest) AllowedFor(module string) bool {
	return contains(r.AllowedRules, module)
}

// MergeHeaders combines caller-supplied dynamic headers with the
// request's static headers, with static headers winning on collision so
// a guest cannot override a configured auth token (spec §4.4.5 step 4).
func MergeHeaders(dynamic, static map[string]string) map[string]string {
	merged := make(map[string]string, len(dynamic)+len(static))
	for k, v := range dynamic {
		merged[k] = v
	}
	for k, v := range static {
		merged[k] = v
	}
	return merged
}
