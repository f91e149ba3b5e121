// Package env composes worker environments and expands ${VAR} references in
// stream sources and arguments.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds the gateway-wide worker variables on top of the OS environment.
type Env struct {
	Var Var // global variables (K->V)
	os  Var // cached base from OS environment
}

// New returns an Env with the given "K=V" globals. Malformed entries are skipped.
func New(global []string) *Env {
	e := &Env{Var: Parse(global)}
	e.FromOS()
	return e
}

// Parse converts "K=V" pairs into a map; later pairs win.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.os = Parse(os.Environ())
}

// Merge returns the overrides for one worker in sorted "K=V" form: globals,
// then perStream. Values are expanded against the OS environment plus the
// overrides. The result is meant to be appended to the gateway's environment.
func (e *Env) Merge(perStream []string) []string {
	overrides := e.overrides(perStream)
	lookup := e.lookup(overrides)

	out := make([]string, 0, len(overrides))
	for k, v := range overrides {
		out = append(out, k+"="+expand(v, lookup))
	}
	sort.Strings(out)
	return out
}

// Expand replaces ${VAR} in s using the same variables a worker with
// perStream would see. Unknown references are left untouched.
func (e *Env) Expand(s string, perStream []string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	overrides := e.overrides(perStream)
	return expand(s, e.lookup(overrides))
}

func (e *Env) overrides(perStream []string) Var {
	m := make(Var, len(e.Var)+len(perStream))
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range Parse(perStream) {
		m[k] = v
	}
	return m
}

func (e *Env) lookup(overrides Var) func(string) (string, bool) {
	return func(k string) (string, bool) {
		if v, ok := overrides[k]; ok {
			return v, true
		}
		v, ok := e.os[k]
		return v, ok
	}
}

// expand performs a single, non-recursive pass of ${VAR} substitution.
func expand(s string, lookup func(string) (string, bool)) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := lookup(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
