package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

var pageType = reflect.TypeOf(Page{})

// decodeHook is viper's default hook plus bare-URL page entries, so the
// pages list of the config file reads the same as a capture list.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.DecodeHookFuncType(stringToPageHook),
	)
}

func stringToPageHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != pageType {
		return data, nil
	}
	return map[string]any{"url": data}, nil
}

// UnmarshalYAML accepts either a bare URL string or a page mapping.
func (p *Page) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.URL = node.Value
		return nil
	}

	type plain Page
	var out plain
	if err := node.Decode(&out); err != nil {
		return err
	}
	*p = Page(out)
	return nil
}

// LoadPageList reads a capture list: a JSON or YAML sequence whose items are
// URLs or page objects.
func LoadPageList(path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading capture list: %w", err)
	}

	var pages []Page
	if err := yaml.Unmarshal(data, &pages); err != nil {
		return nil, fmt.Errorf("error parsing capture list %s: %w", path, err)
	}
	return pages, nil
}
