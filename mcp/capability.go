package mcp

// Capability names a named feature a side advertises at initialize time.
// Methods are gated by capability before they ever reach a handler.
type Capability string

const (
	CapRoots        Capability = "roots"
	CapSampling     Capability = "sampling"
	CapExperimental Capability = "experimental"

	CapTools               Capability = "tools"
	CapPrompts             Capability = "prompts"
	CapResources           Capability = "resources"
	CapResourcesSubscribe  Capability = "resources.subscribe"
	CapLogging             Capability = "logging"
	CapCompletion          Capability = "completion"
)

// CapabilitySet is an unordered set of advertised capabilities.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from a list of capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether the capability was advertised.
func (s CapabilitySet) Has(c Capability) bool {
	if s == nil {
		return false
	}
	return s[c]
}

// methodCapability maps a wire method name to the capability that gates it.
// A method absent from this table (e.g. "initialize", "ping") is ungated.
var methodCapability = map[string]Capability{
	"tools/list":           CapTools,
	"tools/call":           CapTools,
	"prompts/list":         CapPrompts,
	"prompts/get":          CapPrompts,
	"resources/list":       CapResources,
	"resources/read":       CapResources,
	"resources/subscribe":  CapResourcesSubscribe,
	"completion/complete":  CapCompletion,
	"logging/setLevel":     CapLogging,
	"sampling/createMessage": CapSampling,
	"roots/list":           CapRoots,
}

// RequiredCapability returns the capability gating method, and whether the
// method is gated at all.
func RequiredCapability(method string) (Capability, bool) {
	c, ok := methodCapability[method]
	return c, ok
}

// ProtocolVersion is a date-form version string, e.g. "2025-06-18".
type ProtocolVersion string

// DefaultProtocolVersions is the list conduit advertises, newest first, used
// by both the client engine's Initialize and the server's handshake.
var DefaultProtocolVersions = []ProtocolVersion{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// NegotiateVersion intersects a requested version against a supported list.
// It returns the requested version if supported, else the false ok.
func NegotiateVersion(requested ProtocolVersion, supported []ProtocolVersion) (ProtocolVersion, bool) {
	for _, v := range supported {
		if v == requested {
			return v, true
		}
	}
	return "", false
}

// Implementation identifies a client or server implementation by name and
// version, exchanged during the initialize handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
