// Package superconf edits supervisor-style process-manager configuration as a
// structured document. The file is parsed into sections, mutated through typed
// accessors, and serialized deterministically, so remote edits never go
// through shell quoting or pattern substitution.
package superconf

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

const programPrefix = "program:"

// loadOptions keeps values verbatim: supervisor command lines may contain
// characters ini would otherwise treat as inline comments or quoting.
var loadOptions = ini.LoadOptions{
	IgnoreInlineComment:     true,
	PreserveSurroundedQuote: true,
}

func init() {
	// key=value without alignment padding, matching supervisor convention.
	ini.PrettyFormat = false
}

// File is a parsed process-manager configuration.
type File struct {
	src *ini.File
}

// Parse reads a configuration document.
func Parse(data []byte) (*File, error) {
	src, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("parse supervisor config: %w", err)
	}
	return &File{src: src}, nil
}

// New returns an empty configuration.
func New() *File {
	return &File{src: ini.Empty(loadOptions)}
}

// Programs lists the program names in file order.
func (f *File) Programs() []string {
	names := make([]string, 0)
	for _, name := range f.src.SectionStrings() {
		if strings.HasPrefix(name, programPrefix) {
			names = append(names, strings.TrimPrefix(name, programPrefix))
		}
	}
	return names
}

// HasProgram reports whether a [program:name] section exists.
func (f *File) HasProgram(name string) bool {
	_, err := f.src.GetSection(programPrefix + name)
	return err == nil
}

// Program returns the named program section, creating it when absent.
func (f *File) Program(name string) *Program {
	return &Program{name: name, sec: f.src.Section(programPrefix + name)}
}

// Serialize renders the configuration. Key order within a section follows
// parse/insertion order, so unchanged input serializes unchanged.
func (f *File) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.src.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize supervisor config: %w", err)
	}
	return buf.Bytes(), nil
}

// Program is one [program:name] section.
type Program struct {
	name string
	sec  *ini.Section
}

// Name returns the program name without the section prefix.
func (p *Program) Name() string { return p.name }

// Command returns the program command line.
func (p *Program) Command() string { return p.Get("command") }

// SetCommand replaces the program command line.
func (p *Program) SetCommand(command string) { p.Set("command", command) }

// Get returns the raw value for key, or empty when unset.
func (p *Program) Get(key string) string {
	if !p.sec.HasKey(key) {
		return ""
	}
	return p.sec.Key(key).String()
}

// Set writes key=value, creating the key when absent.
func (p *Program) Set(key, value string) {
	p.sec.Key(key).SetValue(value)
}

// SetEnvironment writes the program environment directive in supervisor's
// KEY="value" list syntax with keys sorted for determinism.
func (p *Program) SetEnvironment(env map[string]string) {
	p.Set("environment", FormatEnvironment(env))
}

// FormatEnvironment renders a supervisor environment directive value.
func FormatEnvironment(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", key, env[key]))
	}
	return strings.Join(parts, ",")
}
