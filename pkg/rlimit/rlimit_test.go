package rlimit

import (
	"testing"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Value
	}{
		{"128M", Value{Amount: "128M", Action: "deny", Per: "jail"}},
		{"128M:deny", Value{Amount: "128M", Action: "deny", Per: "jail"}},
		{"deny=128M/jail", Value{Amount: "128M", Action: "deny", Per: "jail"}},
		{"log=512M/process", Value{Amount: "512M", Action: "log", Per: "process"}},
		{"50:sigterm", Value{Amount: "50", Action: "sigterm", Per: "jail"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	inputs := []string{
		"",
		":deny",
		"128M:",
		"=128M/jail",
		"deny=/jail",
		"deny=128M/",
		"deny=128M",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			if err == nil {
				t.Fatalf("Parse(%q) should have failed", input)
			}
			if !errdefs.IsInvalidSyntax(err) {
				t.Errorf("Parse(%q) error is not INVALID_SYNTAX: %v", input, err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	// Round-trips reproduce a parse-equivalent string; rctl input with per
	// "jail" serializes back in legacy form.
	inputs := []string{"128M", "128M:deny", "deny=128M/jail", "log=1G/user"}

	for _, input := range inputs {
		v, err := Parse(input)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", input, err)
		}
		again, err := Parse(v.String())
		if err != nil {
			t.Fatalf("Parse(%q) after serialize failed: %v", v.String(), err)
		}
		if again != v {
			t.Errorf("round trip %q -> %q changed fields: %+v != %+v", input, v.String(), again, v)
		}
	}
}

func TestSerializeFormatSelection(t *testing.T) {
	jailScoped := Value{Amount: "128M", Action: "deny", Per: "jail"}
	if got := jailScoped.String(); got != "128M:deny" {
		t.Errorf("per=jail should serialize legacy form, got %q", got)
	}

	userScoped := Value{Amount: "128M", Action: "deny", Per: "user"}
	if got := userScoped.String(); got != "deny=128M/user" {
		t.Errorf("per=user should serialize rctl form, got %q", got)
	}
}

func TestPropertyUnknownName(t *testing.T) {
	if _, err := NewProperty("bandwidth", nil); err == nil {
		t.Fatal("unknown property name should be rejected")
	}
}

func TestPropertySetAndClear(t *testing.T) {
	owner := map[string]string{"memoryuse": "256M:deny"}

	p, err := NewProperty("memoryuse", owner)
	if err != nil {
		t.Fatal(err)
	}

	v, ok := p.Value()
	if !ok || v.Amount != "256M" {
		t.Fatalf("property should pick up the owner value, got %+v ok=%v", v, ok)
	}

	if err := p.Set("512M"); err != nil {
		t.Fatal(err)
	}
	if owner["memoryuse"] != "512M:deny" {
		t.Errorf("Set should write through to the owner, got %q", owner["memoryuse"])
	}

	if err := p.Set(nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := owner["memoryuse"]; ok {
		t.Error("Set(nil) should remove the backing key")
	}
	if _, ok := p.Value(); ok {
		t.Error("Set(nil) should clear the value")
	}
}

func TestPropertySetFromValue(t *testing.T) {
	p, err := NewProperty("pcpu", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Set(Value{Amount: "50", Action: "deny", Per: "jail"}); err != nil {
		t.Fatal(err)
	}
	if p.String() != "50:deny" {
		t.Errorf("unexpected serialization %q", p.String())
	}

	if err := p.Set(42); err != nil {
		t.Fatal(err)
	}
	if p.String() != "42:deny" {
		t.Errorf("int input should parse through the grammar, got %q", p.String())
	}
}

func TestPropertyRejectsUnknownType(t *testing.T) {
	p, err := NewProperty("maxproc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Set(3.14); err == nil {
		t.Error("float input should be rejected as a type error")
	}
}
