// Package rlimit implements the resource limit value grammar used in jail
// configuration. Three textual forms are accepted and auto-detected:
//
//	simplified: "128M"            -> action "deny", per "jail"
//	legacy:     "128M:deny"       -> per "jail"
//	rctl:       "deny=128M/jail"
//
// Serialization uses the legacy form whenever per is "jail" and the rctl
// form otherwise, so a round-trip is field-equivalent but not guaranteed to
// be byte-identical for rctl input with per "jail".
package rlimit

import (
	"fmt"
	"strings"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
)

// Properties lists the jail configuration keys that carry resource limit
// values.
var Properties = []string{
	"cputime",
	"datasize",
	"stacksize",
	"coredumpsize",
	"memoryuse",
	"memorylocked",
	"maxproc",
	"openfiles",
	"vmemoryuse",
	"pseudoterminals",
	"swapuse",
	"nthr",
	"msgqqueued",
	"msgqsize",
	"nmsgq",
	"nsem",
	"nsemop",
	"nshm",
	"shmsize",
	"wallclock",
	"pcpu",
	"readbps",
	"writebps",
	"readiops",
	"writeiops",
}

// IsProperty reports whether name is a known resource limit property.
func IsProperty(name string) bool {
	for _, p := range Properties {
		if p == name {
			return true
		}
	}
	return false
}

// Value is a parsed resource limit triple.
type Value struct {
	Amount string
	Action string
	Per    string
}

// Parse parses a resource limit string in any of the three accepted forms.
func Parse(text string) (Value, error) {
	var amount, action, per string

	switch {
	case !strings.Contains(text, "=") && !strings.Contains(text, ":"):
		// simplified syntax, bare amount
		amount = text
		action = "deny"
		per = "jail"
	case strings.Contains(text, "="):
		// rctl syntax action=amount/per
		var rest string
		action, rest, _ = strings.Cut(text, "=")
		var ok bool
		amount, per, ok = strings.Cut(rest, "/")
		if !ok {
			return Value{}, errdefs.InvalidSyntax(
				fmt.Sprintf("resource limit %q: rctl syntax requires action=amount/per", text))
		}
	default:
		// legacy syntax amount:action
		amount, action, _ = strings.Cut(text, ":")
		per = "jail"
	}

	if amount == "" || action == "" || per == "" {
		return Value{}, errdefs.InvalidSyntax(
			fmt.Sprintf("resource limit %q: no component may be empty", text))
	}

	return Value{Amount: amount, Action: action, Per: per}, nil
}

// String serializes the value. The legacy compatible form is used when per
// is "jail".
func (v Value) String() string {
	if v.Per == "jail" {
		return fmt.Sprintf("%s:%s", v.Amount, v.Action)
	}
	return fmt.Sprintf("%s=%s/%s", v.Action, v.Amount, v.Per)
}

// Property is a resource limit config property, optionally attached to the
// backing key-value data of a jail configuration. A detached Property is a
// pure value object.
type Property struct {
	name  string
	value *Value
	owner map[string]string
}

// NewProperty creates a Property for a known resource limit key. owner may
// be nil for a detached property; when set, mutations write through to it.
func NewProperty(name string, owner map[string]string) (*Property, error) {
	if !IsProperty(name) {
		return nil, errdefs.NotFound(fmt.Sprintf("unknown resource limit property %q", name))
	}
	p := &Property{name: name, owner: owner}
	if owner != nil {
		if raw, ok := owner[name]; ok {
			if err := p.Set(raw); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Name returns the property key.
func (p *Property) Name() string {
	return p.name
}

// Value returns the current value and whether one is set.
func (p *Property) Value() (Value, bool) {
	if p.value == nil {
		return Value{}, false
	}
	return *p.value, true
}

// Set assigns the property from data, which may be:
//
//   - nil: clears the value and removes the backing key from the owner
//   - string or int: parsed through the limit grammar
//   - Value or *Value: copied field by field
//
// Any other type is rejected.
func (p *Property) Set(data any) error {
	switch d := data.(type) {
	case nil:
		p.value = nil
		if p.owner != nil {
			delete(p.owner, p.name)
		}
		return nil
	case string:
		v, err := Parse(d)
		if err != nil {
			return err
		}
		p.value = &v
	case int:
		v, err := Parse(fmt.Sprintf("%d", d))
		if err != nil {
			return err
		}
		p.value = &v
	case Value:
		v := d
		p.value = &v
	case *Value:
		v := *d
		p.value = &v
	default:
		return fmt.Errorf("invalid resource limit input type %T", data)
	}

	if p.owner != nil {
		p.owner[p.name] = p.value.String()
	}
	return nil
}

// String serializes the current value, or the empty string when unset.
func (p *Property) String() string {
	if p.value == nil {
		return ""
	}
	return p.value.String()
}
