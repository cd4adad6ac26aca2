package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes a child process environment: a base taken from the OS,
// then layered overlays where later layers win on key collision.
type Env struct {
	base Var // cached base from OS environment
}

func New() *Env { return &Env{} }

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// WithBase replaces the base environment; used by tests and by callers that
// must not inherit the host environment.
func (e *Env) WithBase(kvs []string) *Env {
	e.base = Parse(kvs)
	return e
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then each overlay in argument order.
// Returns "K=V" entries sorted by key, with ${VAR} expansion performed
// using the composed map (simple expansion, no recursion).
func (e *Env) Merge(overlays ...Var) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base))
	for k, v := range e.base {
		m[k] = v
	}
	for _, o := range overlays {
		for k, v := range o {
			if k == "" || strings.Contains(k, "=") {
				continue
			}
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	keys := make([]string, 0, len(expanded))
	for k := range expanded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expanded[k])
	}
	return out
}

// Parse converts "K=V" entries into a map, skipping malformed ones.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
