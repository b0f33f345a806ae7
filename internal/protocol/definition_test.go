package protocol

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/labflow/internal/labware"
	"github.com/kingrea/labflow/internal/stage"
)

const minimalDeck = `
deck:
  labware:
    - name: tips
      load_name: opentrons_96_filtertiprack_1000ul
      slot: 4
  pipette:
    model: p1000_single
    mount: right
    tip_racks: [tips]
`

func TestParseDefinitionYAMLRejectsMissingStages(t *testing.T) {
	payload := "id: empty\nstages: []\n" + minimalDeck
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when stages are missing")
	}
	if !strings.Contains(err.Error(), "at least one stage is required") {
		t.Fatalf("unexpected error for missing stages: %v", err)
	}
}

func TestParseDefinitionYAMLRejectsDuplicateStageIDs(t *testing.T) {
	payload := `
id: dup
stages:
  - id: wait
    kind: delay
  - id: wait
    kind: pause
` + minimalDeck
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil || !strings.Contains(err.Error(), "duplicate stage id wait") {
		t.Fatalf("expected duplicate stage error, got %v", err)
	}
}

func TestParseDefinitionYAMLRejectsUnknownFields(t *testing.T) {
	payload := "id: typo\nstagez: []\n" + minimalDeck
	if _, err := ParseDefinitionYAML([]byte(payload)); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
	if _, err := ParseDefinitionYAML([]byte("   \n")); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
}

func TestParseDefinitionYAMLAssignsStageIDs(t *testing.T) {
	payload := `
id: ids
stages:
  - kind: pause
    config:
      message: hello
  - kind: delay
    config:
      duration: 1m
` + minimalDeck
	def, err := ParseDefinitionYAML([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ids := def.StageIDs()
	if len(ids) != 2 || ids[0] != "01-pause" || ids[1] != "02-delay" {
		t.Fatalf("unexpected stage ids %v", ids)
	}
	if def.Name != "ids" {
		t.Fatalf("name should default to id, got %q", def.Name)
	}
	info := def.Stages[1].Info()
	if info.Kind != stage.KindDelay || info.ID != "02-delay" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(`
id: clone
stages:
  - kind: delay
    config:
      duration: 1m
` + minimalDeck))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	clone := def.Clone()
	clone.Stages[0].Config["duration"] = "2m"
	clone.Deck.Pipette.TipRacks[0] = "other"
	if def.Stages[0].Config["duration"] != "1m" {
		t.Fatalf("stage config shared between clones")
	}
	if def.Deck.Pipette.TipRacks[0] != "tips" {
		t.Fatalf("tip racks shared between clones")
	}
}

func TestBuiltinsLoadAndValidate(t *testing.T) {
	defs, err := Builtins()
	if err != nil {
		t.Fatalf("builtins: %v", err)
	}
	want := []string{"accutase-splitting", "media-change-without-wash", "replating-cardiomyocytes"}
	if len(defs) != len(want) {
		t.Fatalf("expected %d builtins, got %d", len(want), len(defs))
	}
	cat, err := labware.Builtin()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	for i, def := range defs {
		if def.ID != want[i] {
			t.Fatalf("builtin %d: expected %s, got %s", i, want[i], def.ID)
		}
		if err := def.Deck.Validate(cat); err != nil {
			t.Fatalf("%s deck: %v", def.ID, err)
		}
		if def.Messages.Start == "" || def.Messages.Completion == "" {
			t.Fatalf("%s: start and completion messages are required", def.ID)
		}
	}
}

func TestLibraryPrefersLocalDefinitions(t *testing.T) {
	dir := t.TempDir()
	local := "id: media-change-without-wash\nname: Local override\nstages:\n  - kind: delay\n    config:\n      duration: 1s\n" + minimalDeck
	if err := os.WriteFile(filepath.Join(dir, "override.yaml"), []byte(local), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	lib, err := NewLibrary(dir)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	def, err := lib.Lookup("media-change-without-wash")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if def.Name != "Local override" {
		t.Fatalf("expected local override, got %q", def.Name)
	}
	if got := len(lib.List()); got != 3 {
		t.Fatalf("expected 3 protocols, got %d", got)
	}
	byPath, err := lib.Lookup(filepath.Join(dir, "override.yaml"))
	if err != nil || byPath.ID != "media-change-without-wash" {
		t.Fatalf("lookup by path: %v %+v", err, byPath.ID)
	}
	if _, err := lib.Lookup("unknown"); err == nil {
		t.Fatalf("expected unknown protocol error")
	}
}

func TestLoadDirMissing(t *testing.T) {
	defs, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil || defs != nil {
		t.Fatalf("expected no definitions for missing dir, got %v %v", defs, err)
	}
}

func TestLoadDefinitionFileWrapsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("id: [\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadDefinitionFile(path)
	if err == nil || !strings.Contains(err.Error(), "broken.yaml") {
		t.Fatalf("expected path in error, got %v", err)
	}
}
