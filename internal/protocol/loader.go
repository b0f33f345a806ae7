package protocol

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultProtocolDir is the conventional location for protocol files inside
// the project directory.
const DefaultProtocolDir = "protocols"

// ParseDefinitionYAML decodes a protocol definition from YAML/JSON bytes.
func ParseDefinitionYAML(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("protocol: definition payload is empty")
	}
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("protocol: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionReader reads protocol definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("protocol: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a protocol definition from an explicit file path.
func LoadDefinitionFile(path string) (Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("protocol: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return Definition{}, fmt.Errorf("protocol: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadDir loads every *.yaml and *.yml file in dir. A missing directory
// yields no definitions.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("protocol: read dir %s: %w", dir, err)
	}
	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		def, err := LoadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

//go:embed builtin/*.yaml
var builtinFS embed.FS

var (
	builtinOnce sync.Once
	builtinDefs []Definition
	builtinErr  error
)

// Builtins returns the protocols shipped with labflow, sorted by id.
func Builtins() ([]Definition, error) {
	builtinOnce.Do(func() {
		entries, err := fs.ReadDir(builtinFS, "builtin")
		if err != nil {
			builtinErr = fmt.Errorf("protocol: read builtins: %w", err)
			return
		}
		for _, entry := range entries {
			data, err := builtinFS.ReadFile(path.Join("builtin", entry.Name()))
			if err != nil {
				builtinErr = fmt.Errorf("protocol: read builtin %s: %w", entry.Name(), err)
				return
			}
			def, err := ParseDefinitionYAML(data)
			if err != nil {
				builtinErr = fmt.Errorf("protocol: builtin %s: %w", entry.Name(), err)
				return
			}
			builtinDefs = append(builtinDefs, def)
		}
		sort.Slice(builtinDefs, func(i, j int) bool { return builtinDefs[i].ID < builtinDefs[j].ID })
	})
	if builtinErr != nil {
		return nil, builtinErr
	}
	out := make([]Definition, len(builtinDefs))
	for i, def := range builtinDefs {
		out[i] = def.Clone()
	}
	return out, nil
}

// Library indexes protocol definitions by id.
type Library struct {
	defs map[string]Definition
}

// NewLibrary returns a library holding the built-in protocols plus every
// definition found in dir. Files in dir replace built-ins with the same id.
func NewLibrary(dir string) (*Library, error) {
	lib := &Library{defs: map[string]Definition{}}
	builtins, err := Builtins()
	if err != nil {
		return nil, err
	}
	for _, def := range builtins {
		lib.defs[def.ID] = def
	}
	if dir == "" {
		return lib, nil
	}
	local, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, def := range local {
		lib.defs[def.ID] = def
	}
	return lib, nil
}

// Lookup resolves name as a protocol id or, failing that, a file path.
func (l *Library) Lookup(name string) (Definition, error) {
	if def, ok := l.defs[name]; ok {
		return def.Clone(), nil
	}
	if isYAML(name) {
		if _, err := os.Stat(name); err == nil {
			return LoadDefinitionFile(name)
		}
	}
	return Definition{}, fmt.Errorf("protocol: unknown protocol %s", name)
}

// List returns every definition sorted by id.
func (l *Library) List() []Definition {
	out := make([]Definition, 0, len(l.defs))
	for _, def := range l.defs {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
