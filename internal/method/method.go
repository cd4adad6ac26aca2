package method

import (
	"fmt"
	"strings"
)

// Method is one candidate way to invoke the workflow engine binary.
// Env is merged over the engine overlay for this method only.
type Method struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// String renders the method as a command line for logs and suggestions.
func (m Method) String() string {
	if len(m.Args) == 0 {
		return m.Command
	}
	return m.Command + " " + strings.Join(m.Args, " ")
}

func (m Method) clone() Method {
	c := Method{Name: m.Name, Command: m.Command}
	if m.Args != nil {
		c.Args = append([]string(nil), m.Args...)
	}
	if m.Env != nil {
		c.Env = make(map[string]string, len(m.Env))
		for k, v := range m.Env {
			c.Env[k] = v
		}
	}
	return c
}

// Catalog is an ordered, immutable list of start methods, most specific first.
type Catalog struct {
	methods []Method
}

// NewCatalog copies ms so later changes by the caller do not leak in.
func NewCatalog(ms ...Method) Catalog {
	out := make([]Method, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.clone())
	}
	return Catalog{methods: out}
}

// DefaultCatalog tries a globally installed binary, then the latest published
// package through npx, then whatever version npx resolves locally.
func DefaultCatalog() Catalog {
	return NewCatalog(
		Method{Name: "global", Command: "n8n", Args: []string{"start"}},
		Method{Name: "npx-latest", Command: "npx", Args: []string{"n8n@latest", "start"}},
		Method{Name: "npx-local", Command: "npx", Args: []string{"n8n", "start"}},
	)
}

// Next returns the method at index i. ok is false once the catalog is exhausted.
func (c Catalog) Next(i int) (m Method, ok bool) {
	if i < 0 || i >= len(c.methods) {
		return Method{}, false
	}
	return c.methods[i].clone(), true
}

func (c Catalog) Len() int { return len(c.methods) }

// Methods returns a copy of all entries in order.
func (c Catalog) Methods() []Method {
	out := make([]Method, len(c.methods))
	for i, m := range c.methods {
		out[i] = m.clone()
	}
	return out
}

// Validate checks that every entry is launchable and uniquely named.
func (c Catalog) Validate() error {
	if len(c.methods) == 0 {
		return fmt.Errorf("start method catalog is empty")
	}
	seen := make(map[string]struct{}, len(c.methods))
	for i, m := range c.methods {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return fmt.Errorf("start method %d: name is required", i)
		}
		if strings.TrimSpace(m.Command) == "" {
			return fmt.Errorf("start method %q: command is required", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate start method name %q", name)
		}
		seen[name] = struct{}{}
		for k := range m.Env {
			if strings.TrimSpace(k) == "" || strings.Contains(k, "=") {
				return fmt.Errorf("start method %q: invalid env key %q", name, k)
			}
		}
	}
	return nil
}
