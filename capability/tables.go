package capability

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tables/*.yaml
var tableFS embed.FS

// Table holds the capability fragments for one provider, indexed by OS and
// then by browser name.
type Table struct {
	Version  int                       `yaml:"version"`
	Common   Set                       `yaml:"common"`
	Browsers map[string]map[string]Set `yaml:"browsers"`
}

// ParseTable decodes a YAML capability table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("capability: parse table: %w", err)
	}
	if len(t.Browsers) == 0 {
		return nil, fmt.Errorf("capability: table has no browsers")
	}
	return &t, nil
}

// LoadTables reads the embedded table for every provider.
func LoadTables() (map[Provider]*Table, error) {
	tables := make(map[Provider]*Table, len(Providers))
	for _, p := range Providers {
		data, err := tableFS.ReadFile("tables/" + string(p) + ".yaml")
		if err != nil {
			return nil, fmt.Errorf("capability: read %s table: %w", p, err)
		}
		t, err := ParseTable(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		tables[p] = t
	}
	return tables, nil
}

// Lookup returns a copy of the entry for target.
func (t *Table) Lookup(target Target) (Set, bool) {
	browsers, ok := t.Browsers[strings.ToLower(target.OS)]
	if !ok {
		return nil, false
	}
	entry, ok := browsers[strings.ToLower(target.Browser)]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// Targets lists every browser/os pair in the table, sorted by OS.
func (t *Table) Targets() []string {
	var out []string
	for _, os := range sortedKeys(t.Browsers) {
		for _, browser := range sortedKeys(t.Browsers[os]) {
			out = append(out, Target{Browser: browser, OS: os}.String())
		}
	}
	return out
}
