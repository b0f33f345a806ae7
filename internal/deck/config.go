// Package deck describes what sits where on the robot deck and binds that
// description to loaded hardware. Reagent names are resolved to wells once,
// at setup.
package deck

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/labflow/internal/labware"
	"github.com/kingrea/labflow/internal/robot"
)

// ModuleSpec places a temperature module.
type ModuleSpec struct {
	Name        string  `yaml:"name" json:"name"`
	Model       string  `yaml:"model" json:"model"`
	Slot        int     `yaml:"slot" json:"slot"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// LabwareSpec places labware in a slot or on a module.
type LabwareSpec struct {
	Name     string `yaml:"name" json:"name"`
	LoadName string `yaml:"load_name" json:"load_name"`
	Slot     int    `yaml:"slot,omitempty" json:"slot,omitempty"`
	Module   string `yaml:"module,omitempty" json:"module,omitempty"`
}

// PipetteSpec mounts the pipette used for every stage.
type PipetteSpec struct {
	Model    string   `yaml:"model" json:"model"`
	Mount    string   `yaml:"mount" json:"mount"`
	TipRacks []string `yaml:"tip_racks" json:"tip_racks"`
}

// ReagentSpec names a well holding a reagent. In YAML it may be written as
// a mapping or as the shorthand "labware/well".
type ReagentSpec struct {
	Labware string `yaml:"labware" json:"labware"`
	Well    string `yaml:"well" json:"well"`
}

// UnmarshalYAML accepts both the mapping and the shorthand form.
func (r *ReagentSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		labwareName, well, ok := strings.Cut(node.Value, "/")
		if !ok {
			return fmt.Errorf("deck: reagent %q must look like labware/well", node.Value)
		}
		r.Labware = strings.TrimSpace(labwareName)
		r.Well = strings.TrimSpace(well)
		return nil
	}
	type plain ReagentSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = ReagentSpec(p)
	return nil
}

func (r ReagentSpec) String() string {
	return r.Labware + "/" + r.Well
}

// Config is the deck section of a protocol.
type Config struct {
	Modules  []ModuleSpec           `yaml:"modules,omitempty" json:"modules,omitempty"`
	Labware  []LabwareSpec          `yaml:"labware" json:"labware"`
	Pipette  PipetteSpec            `yaml:"pipette" json:"pipette"`
	Reagents map[string]ReagentSpec `yaml:"reagents,omitempty" json:"reagents,omitempty"`
}

// ConfigError reports an invalid deck entry.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("deck: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err contains a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ReagentNames returns the reagent names in sorted order.
func (c Config) ReagentNames() []string {
	names := make([]string, 0, len(c.Reagents))
	for name := range c.Reagents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the configuration without touching hardware. Every
// problem found is reported.
func (c Config) Validate(catalog *labware.Catalog) error {
	var errs []error
	slots := map[int]string{}
	modules := map[string]*ModuleSpec{}
	hosted := map[string]string{}
	names := map[string]struct{}{}

	claim := func(field string, slot int, owner string) {
		if slot < 1 || slot > labware.Slots {
			errs = append(errs, configErr(field, "slot %d outside 1..%d", slot, labware.Slots))
			return
		}
		if prev, taken := slots[slot]; taken {
			errs = append(errs, configErr(field, "slot %d already used by %s", slot, prev))
			return
		}
		slots[slot] = owner
	}
	unique := func(field, name string) bool {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, configErr(field, "name is required"))
			return false
		}
		if _, dup := names[name]; dup {
			errs = append(errs, configErr(field, "duplicate name %s", name))
			return false
		}
		names[name] = struct{}{}
		return true
	}

	for i := range c.Modules {
		m := &c.Modules[i]
		field := fmt.Sprintf("modules[%d]", i)
		if !unique(field, m.Name) {
			continue
		}
		modules[m.Name] = m
		if !robot.IsModuleModel(m.Model) {
			errs = append(errs, configErr(field, "unknown module model %q", m.Model))
		}
		claim(field, m.Slot, m.Name)
		if m.Temperature != 0 && (m.Temperature < robot.MinCelsius || m.Temperature > robot.MaxCelsius) {
			errs = append(errs, configErr(field, "temperature %.1f outside %.0f..%.0f", m.Temperature, robot.MinCelsius, robot.MaxCelsius))
		}
	}

	defs := map[string]labware.Definition{}
	for i, lw := range c.Labware {
		field := fmt.Sprintf("labware[%d]", i)
		if !unique(field, lw.Name) {
			continue
		}
		def, err := catalog.Lookup(lw.LoadName)
		if err != nil {
			errs = append(errs, configErr(field, "%v", err))
		} else {
			defs[lw.Name] = def
		}
		switch {
		case lw.Module != "" && lw.Slot != 0:
			errs = append(errs, configErr(field, "set either slot or module, not both"))
		case lw.Module != "":
			if _, ok := modules[lw.Module]; !ok {
				errs = append(errs, configErr(field, "unknown module %s", lw.Module))
			} else if prev, taken := hosted[lw.Module]; taken {
				errs = append(errs, configErr(field, "module %s already holds %s", lw.Module, prev))
			} else {
				hosted[lw.Module] = lw.Name
			}
		default:
			claim(field, lw.Slot, lw.Name)
		}
	}

	if _, err := robot.LookupModel(c.Pipette.Model); err != nil {
		errs = append(errs, configErr("pipette", "%v", err))
	}
	if c.Pipette.Mount != robot.MountLeft && c.Pipette.Mount != robot.MountRight {
		errs = append(errs, configErr("pipette", "mount must be %s or %s", robot.MountLeft, robot.MountRight))
	}
	if len(c.Pipette.TipRacks) == 0 {
		errs = append(errs, configErr("pipette", "at least one tip rack is required"))
	}
	for _, rack := range c.Pipette.TipRacks {
		def, ok := defs[rack]
		if !ok {
			errs = append(errs, configErr("pipette", "unknown tip rack %s", rack))
			continue
		}
		if def.Kind != labware.KindTipRack {
			errs = append(errs, configErr("pipette", "%s is %s, not a tip rack", rack, def.Kind))
		}
	}

	for _, name := range c.ReagentNames() {
		spec := c.Reagents[name]
		field := "reagents." + name
		def, ok := defs[spec.Labware]
		if !ok {
			errs = append(errs, configErr(field, "unknown labware %s", spec.Labware))
			continue
		}
		if def.Kind == labware.KindTipRack {
			errs = append(errs, configErr(field, "%s is a tip rack", spec.Labware))
			continue
		}
		if !def.HasWell(spec.Well) {
			errs = append(errs, configErr(field, "well %q not found on %s", spec.Well, spec.Labware))
		}
	}
	return errors.Join(errs...)
}
