package classifier

import (
	"strconv"
	"strings"
)

// Kind is the ternary verdict for one chunk of engine output.
type Kind int

const (
	Neutral Kind = iota
	Ready
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Fatal:
		return "fatal"
	default:
		return "neutral"
	}
}

// Signal is derived per chunk and consumed immediately; it is never stored.
type Signal struct {
	Kind   Kind
	Text   string
	Marker string // the marker that matched, empty for Neutral
}

// Markers holds the substrings that identify readiness and fatal startup
// faults. The engine's wording changes between versions, so these are
// configuration rather than a contract.
type Markers struct {
	Ready []string `json:"ready" mapstructure:"ready"`
	Fatal []string `json:"fatal" mapstructure:"fatal"`
}

// DefaultMarkers returns the marker set known to work for recent n8n releases.
// port, when positive, adds "localhost:<port>" as a ready marker.
func DefaultMarkers(port int) Markers {
	ready := []string{
		"Editor is now accessible",
		"n8n ready",
		"Server started",
	}
	if port > 0 {
		ready = append(ready, "localhost:"+strconv.Itoa(port))
	}
	return Markers{
		Ready: ready,
		Fatal: []string{
			"Cannot read properties of undefined",
			"TypeError",
			"EADDRINUSE",
		},
	}
}

// Classifier matches output chunks against a fixed marker set. It is safe
// for concurrent use.
type Classifier struct {
	ready []string
	fatal []string
}

func New(m Markers) *Classifier {
	return &Classifier{ready: compact(m.Ready), fatal: compact(m.Fatal)}
}

// Classify checks fatal markers before ready markers: a premature ready
// verdict is worse than a missed one, which the attempt timeout covers.
func (c *Classifier) Classify(chunk string) Signal {
	for _, m := range c.fatal {
		if strings.Contains(chunk, m) {
			return Signal{Kind: Fatal, Text: chunk, Marker: m}
		}
	}
	for _, m := range c.ready {
		if strings.Contains(chunk, m) {
			return Signal{Kind: Ready, Text: chunk, Marker: m}
		}
	}
	return Signal{Kind: Neutral, Text: chunk}
}

// compact drops blank markers; an empty marker would match every chunk.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
