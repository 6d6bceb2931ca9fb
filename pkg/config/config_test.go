package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
)

func TestNewSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	s := New(path, "web01")
	s.Config().Release = "14.1-RELEASE"
	s.Config().Boot = true
	s.Config().Priority = 20
	if _, err := s.Set("memoryuse", "128M:deny"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Config().Name != "web01" {
		t.Errorf("name = %q", loaded.Config().Name)
	}
	if loaded.Legacy() {
		t.Error("freshly written config must not be legacy")
	}
	if got, _ := loaded.Get("memoryuse"); got != "128M:deny" {
		t.Errorf("memoryuse = %q", got)
	}
	if got, _ := loaded.Get("boot"); got != "on" {
		t.Errorf("boot = %q", got)
	}
}

func TestLoadMissingFileIsNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), FileName))
	if !errdefs.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestLegacyMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	// A legacy file has no version marker.
	content := "name: 26e8e027-b1d8-4b9d-a0f6-ea1a0b0ebb68\ntag: oldweb\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.Legacy() {
		t.Error("unversioned config must be legacy")
	}
	if s.Tag() != "oldweb" {
		t.Errorf("tag = %q", s.Tag())
	}
}

func TestSetReportsChanged(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), FileName), "web01")

	tests := []struct {
		name    string
		key     string
		value   string
		changed bool
	}{
		{"new property", "host.hostname", "web01.example.org", true},
		{"same value", "host.hostname", "web01.example.org", false},
		{"different value", "host.hostname", "web01.internal", true},
		{"same name", "name", "web01", false},
		{"priority", "priority", "10", true},
		{"same priority", "priority", "10", false},
		{"rlimit", "vmemoryuse", "1G", true},
		{"same rlimit", "vmemoryuse", "1G", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := s.Set(tt.key, tt.value)
			if err != nil {
				t.Fatalf("Set: %v", err)
			}
			if changed != tt.changed {
				t.Errorf("changed = %v, want %v", changed, tt.changed)
			}
		})
	}
}

func TestSetRejectsBadValues(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), FileName), "web01")

	tests := []struct {
		key   string
		value string
	}{
		{"name", "no/slashes"},
		{"name", ""},
		{"boot", "maybe"},
		{"priority", "high"},
		{"memoryuse", "=bad="},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			if _, err := s.Set(tt.key, tt.value); !errdefs.IsInvalidSyntax(err) {
				t.Errorf("expected invalid-syntax, got %v", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), FileName), "web01")
	if _, err := s.Set("host.hostname", "web01.example.org"); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("host.hostname"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("host.hostname"); !errdefs.IsNotFound(err) {
		t.Errorf("expected not-found after delete, got %v", err)
	}

	if err := s.Delete("name"); !errdefs.IsInvalidSyntax(err) {
		t.Errorf("deleting name must be rejected, got %v", err)
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"web01", "a", "my-jail", "my_jail", "jail.prod", "26e8e027"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	invalid := []string{"", "-leading", ".leading", "has space", "has/slash", "has@at"}
	for _, name := range invalid {
		if ValidName(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}

func TestSaveRejectsInvalidName(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), FileName), "web01")
	s.Config().Name = "not a name"
	if err := s.Save(); !errdefs.IsInvalidSyntax(err) {
		t.Fatalf("expected invalid-syntax, got %v", err)
	}
}
