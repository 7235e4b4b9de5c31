package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/kmiyazaki/taskchain/internal/task"
)

// ParseConfig decodes the chain-level mapping of a template.
func ParseConfig(raw map[string]any) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", task.ErrConfiguration, err)
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("%w: chain: %v", task.ErrConfiguration, err)
	}
	return cfg, nil
}

// FromTemplate builds a chain from a {kind: config} template mapping, the
// shape produced by unmarshalling a chain template document.
func FromTemplate(tmpl map[string]any, reg Registry, opts ...Option) (*Chain, error) {
	kind, raw, err := splitTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return New(kind, cfg, reg, opts...)
}

// FromBytes unmarshals a template document and builds the chain. JSON input
// is detected by extension hint; everything else parses as YAML, which also
// accepts JSON.
func FromBytes(data []byte, ext string, reg Registry, opts ...Option) (*Chain, error) {
	var tmpl map[string]any
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("%w: parse chain template: %v", task.ErrConfiguration, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("%w: parse chain template: %v", task.ErrConfiguration, err)
		}
	}
	return FromTemplate(tmpl, reg, opts...)
}

// FromFile reads a YAML or JSON chain template from disk.
func FromFile(path string, reg Registry, opts ...Option) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain template: %w", err)
	}
	return FromBytes(data, filepath.Ext(path), reg, opts...)
}
