// Package protocol holds protocol definitions: the deck layout a run needs
// and the ordered stages it executes.
package protocol

import (
	"fmt"
	"strings"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/geometry"
	"github.com/kingrea/labflow/internal/stage"
)

// Definition declares an executable protocol.
type Definition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string            `json:"author,omitempty" yaml:"author,omitempty"`
	Deck        deck.Config       `json:"deck" yaml:"deck"`
	Margins     *geometry.Margins `json:"margins,omitempty" yaml:"margins,omitempty"`
	Messages    Messages          `json:"messages,omitempty" yaml:"messages,omitempty"`
	Stages      []StageRef        `json:"stages" yaml:"stages"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Messages are the operator comments issued around a run.
type Messages struct {
	Start      string `json:"start,omitempty" yaml:"start,omitempty"`
	Completion string `json:"completion,omitempty" yaml:"completion,omitempty"`
}

// Clone returns a deep copy of the definition. Stage configs are copied
// one level deep.
func (def Definition) Clone() Definition {
	clone := Definition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Author:      def.Author,
		Deck:        cloneDeck(def.Deck),
		Messages:    def.Messages,
		Metadata:    cloneStringMap(def.Metadata),
	}
	if def.Margins != nil {
		m := *def.Margins
		clone.Margins = &m
	}
	if len(def.Stages) > 0 {
		clone.Stages = make([]StageRef, len(def.Stages))
		for i, ref := range def.Stages {
			clone.Stages[i] = ref.Clone()
		}
	}
	return clone
}

// Validate ensures the definition is self-consistent. Deck references are
// checked later, against the labware catalog, when the deck is bound.
func (def Definition) Validate() error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("protocol: id is required")
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("protocol %s: at least one stage is required", def.ID)
	}
	seen := map[string]struct{}{}
	for idx, ref := range def.Stages {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("protocol %s stage[%d]: %w", def.ID, idx, err)
		}
		if _, exists := seen[ref.ID]; exists {
			return fmt.Errorf("protocol %s: duplicate stage id %s", def.ID, ref.ID)
		}
		seen[ref.ID] = struct{}{}
	}
	if def.Margins != nil {
		m := *def.Margins
		if m.Bottom < 0 || m.TopClearance < 0 || m.Wall < 0 {
			return fmt.Errorf("protocol %s: margins must not be negative", def.ID)
		}
	}
	return nil
}

// Normalized clones the definition, assigns ids to unnamed stages and
// validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	if clone.Name == "" {
		clone.Name = clone.ID
	}
	for i := range clone.Stages {
		if clone.Stages[i].ID == "" {
			clone.Stages[i].ID = fmt.Sprintf("%02d-%s", i+1, clone.Stages[i].Kind)
		}
	}
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

// StageIDs returns the stage identifiers in run order.
func (def Definition) StageIDs() []string {
	ids := make([]string, 0, len(def.Stages))
	for _, ref := range def.Stages {
		ids = append(ids, ref.ID)
	}
	return ids
}

// StageRef describes one stage of a protocol.
type StageRef struct {
	ID      string       `json:"id,omitempty" yaml:"id,omitempty"`
	Kind    stage.Kind   `json:"kind" yaml:"kind"`
	Name    string       `json:"name,omitempty" yaml:"name,omitempty"`
	Comment string       `json:"comment,omitempty" yaml:"comment,omitempty"`
	Config  stage.Config `json:"config,omitempty" yaml:"config,omitempty"`
}

// Info returns the runtime identity of the stage.
func (ref StageRef) Info() stage.Info {
	return stage.Info{ID: ref.ID, Name: ref.Name, Kind: ref.Kind, Comment: ref.Comment}
}

// Clone returns a copy with its own config map.
func (ref StageRef) Clone() StageRef {
	clone := ref
	if len(ref.Config) > 0 {
		clone.Config = make(stage.Config, len(ref.Config))
		for key, value := range ref.Config {
			clone.Config[key] = value
		}
	} else {
		clone.Config = nil
	}
	return clone
}

// Validate ensures the reference is usable.
func (ref StageRef) Validate() error {
	if ref.Kind == "" {
		return fmt.Errorf("protocol: stage kind is required")
	}
	if ref.ID == "" {
		return fmt.Errorf("protocol: stage id is required")
	}
	return nil
}

func cloneDeck(cfg deck.Config) deck.Config {
	out := deck.Config{
		Modules: append([]deck.ModuleSpec(nil), cfg.Modules...),
		Labware: append([]deck.LabwareSpec(nil), cfg.Labware...),
		Pipette: deck.PipetteSpec{
			Model:    cfg.Pipette.Model,
			Mount:    cfg.Pipette.Mount,
			TipRacks: append([]string(nil), cfg.Pipette.TipRacks...),
		},
	}
	if len(cfg.Reagents) > 0 {
		out.Reagents = make(map[string]deck.ReagentSpec, len(cfg.Reagents))
		for name, spec := range cfg.Reagents {
			out.Reagents[name] = spec
		}
	}
	return out
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
