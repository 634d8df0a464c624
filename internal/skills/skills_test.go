package skills

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const deploySkill = `---
name: deploy-helper
description: Guides production deployments
keywords:
  - deploy
  - rollout
  - "blue green"
required_tools:
  - exec
  - read_file
---
Check the release checklist before deploying.`

const persona = `---
name: persona
description: House style for replies
always: true
---
Answer concisely.`

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	writeSkill(t, dir, "deploy-helper.md", deploySkill)
	writeSkill(t, dir, "persona.md", persona)
	r := NewRegistry(dir)
	if err := r.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return r
}

func TestParse(t *testing.T) {
	skill, err := Parse([]byte(deploySkill), "x.md")
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	if skill.Name != "deploy-helper" || skill.Description == "" {
		t.Errorf("skill = %+v", skill)
	}
	if !reflect.DeepEqual(skill.Keywords, []string{"deploy", "rollout", "blue green"}) {
		t.Errorf("keywords = %v", skill.Keywords)
	}
	if skill.Content != "Check the release checklist before deploying." {
		t.Errorf("content = %q", skill.Content)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no frontmatter", "just markdown"},
		{"unclosed frontmatter", "---\nname: x"},
		{"missing name", "---\ndescription: d\n---\nbody"},
		{"missing description", "---\nname: x\n---\nbody"},
		{"bad name", "---\nname: Bad Name\ndescription: d\n---\nbody"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data), "x.md"); err == nil {
				t.Error("Parse succeeded, want error")
			}
		})
	}
}

func TestLoadMissingDir(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "absent"))
	if err := r.Load(); err != nil {
		t.Fatalf("load missing dir: %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("skills = %v, want none", r.List())
	}
}

func TestSelectAlwaysAndKeyword(t *testing.T) {
	r := loadedRegistry(t)

	selected := r.Select("please deploy the api service", 3)
	names := make([]string, len(selected))
	for i, s := range selected {
		names[i] = s.Name
	}
	if !reflect.DeepEqual(names, []string{"persona", "deploy-helper"}) {
		t.Errorf("selected = %v", names)
	}

	selected = r.Select("what is the weather", 3)
	if len(selected) != 1 || selected[0].Name != "persona" {
		t.Errorf("selected = %v, want only the always-on skill", selected)
	}
}

func TestSelectMultiWordKeyword(t *testing.T) {
	r := loadedRegistry(t)
	selected := r.Select("switch to the blue green setup", 3)
	found := false
	for _, s := range selected {
		if s.Name == "deploy-helper" {
			found = true
		}
	}
	if !found {
		t.Error("multi-word keyword did not match")
	}
}

func TestRequiredTools(t *testing.T) {
	r := loadedRegistry(t)
	got := RequiredTools(r.Select("deploy now", 3))
	if !reflect.DeepEqual(got, []string{"exec", "read_file"}) {
		t.Errorf("required tools = %v", got)
	}
}

func TestReloadReplacesSet(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "persona.md", persona)
	r := NewRegistry(dir)
	if err := r.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "persona.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	writeSkill(t, dir, "deploy-helper.md", deploySkill)
	if err := r.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := r.Get("persona"); ok {
		t.Error("removed skill still present")
	}
	if _, ok := r.Get("deploy-helper"); !ok {
		t.Error("new skill missing")
	}
}
