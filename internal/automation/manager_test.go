//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("expected no scripts, got %d", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		Meta: ScriptMeta{
			Name:        "Night Light",
			Description: "Turns on the hallway light at night",
			Enabled:     true,
		},
		LuaCode: `zwave.on("node_report", {node=7}, function(event)
    zwave.turn_on(12)
end)`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "night_light" {
		t.Errorf("ID = %q, want night_light", saved.ID)
	}

	got, err := m.Get("night_light")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Night Light" {
		t.Errorf("Name = %q", got.Meta.Name)
	}
	if got.Meta.Description != "Turns on the hallway light at night" {
		t.Errorf("Description = %q", got.Meta.Description)
	}
	if !got.Meta.Enabled {
		t.Error("Enabled = false")
	}
	if !strings.Contains(got.LuaCode, "zwave.turn_on(12)") {
		t.Errorf("LuaCode = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		ID:      "my_script",
		Meta:    ScriptMeta{Name: "My Script", Enabled: true},
		LuaCode: `zwave.log("v1")`,
	}
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	s.LuaCode = `zwave.log("v2")`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("LuaCode = %q, want updated body", got.LuaCode)
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"First", "Second", "Third"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Errorf("expected 3 scripts, got %d", len(scripts))
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Doomed"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); err == nil {
		t.Error("expected error getting deleted script")
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Get("does_not_exist"); err == nil {
		t.Error("expected error")
	}
}

func TestManagerRejectsBadIDs(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"", ".", "..", "../escape", "a/b", `a\b`} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) accepted invalid id", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q) accepted invalid id", id)
		}
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Save(&Script{Meta: ScriptMeta{Name: "Duplicate"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Save(&Script{Meta: ScriptMeta{Name: "Duplicate"}})
	if err != nil {
		t.Fatal(err)
	}

	if first.ID == second.ID {
		t.Errorf("expected unique IDs, both are %q", first.ID)
	}
	if second.ID != "duplicate_1" {
		t.Errorf("second ID = %q, want duplicate_1", second.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	m := newTestManager(t)

	content := `-- {"name":"Bathroom Light","description":"Motion light","enabled":true}

zwave.on("node_report", {node=7}, function(event)
    zwave.turn_on(12)
end)
`
	path := filepath.Join(m.dir, "bathroom_light.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := m.Get("bathroom_light")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "Bathroom Light" {
		t.Errorf("Name = %q", s.Meta.Name)
	}
	if !s.Meta.Enabled {
		t.Error("Enabled = false")
	}
	if !strings.HasPrefix(s.LuaCode, `zwave.on("node_report"`) {
		t.Errorf("LuaCode = %q, leading metadata not stripped", s.LuaCode)
	}
}

func TestParseScriptFileNoMetadata(t *testing.T) {
	m := newTestManager(t)

	path := filepath.Join(m.dir, "bare.lua")
	if err := os.WriteFile(path, []byte(`zwave.log("hi")`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := m.Get("bare")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "" {
		t.Errorf("Name = %q, want empty", s.Meta.Name)
	}
	if !strings.Contains(s.LuaCode, `zwave.log("hi")`) {
		t.Errorf("LuaCode = %q", s.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	s := &Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `zwave.log("hello")`,
	}

	out := serializeScript(s)
	lines := strings.Split(out, "\n")
	if !strings.HasPrefix(lines[0], `-- {"name":"Test"`) {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(out, `zwave.log("hello")`) {
		t.Errorf("serialized = %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("missing trailing newline")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Night Light", "night_light"},
		{"  Trim Me  ", "trim_me"},
		{"Büro/Lampe #1", "b_ro_lampe_1"},
		{"___", ""},
		{strings.Repeat("a", 60), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
