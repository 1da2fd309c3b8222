// Package models maps model identifiers to their upstream client type.
// The mapping is fixed when the catalog is loaded; request handling never
// re-derives a provider from the identifier itself.
package models

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type ClientType string

const (
	ClientTypeOpenAI ClientType = "openai"
	ClientTypeGoogle ClientType = "google"
)

func (t ClientType) Valid() bool {
	return t == ClientTypeOpenAI || t == ClientTypeGoogle
}

type Model struct {
	ModelID    string     `yaml:"model_id" json:"model_id"`
	Name       string     `yaml:"name" json:"name"`
	ClientType ClientType `yaml:"client_type" json:"client_type"`
}

func (m *Model) Validate() error {
	if strings.TrimSpace(m.ModelID) == "" {
		return errors.New("model ID is required")
	}
	if !m.ClientType.Valid() {
		return fmt.Errorf("invalid client type: %s", m.ClientType)
	}
	return nil
}

// PrefixRule routes a family of model identifiers to one client type when
// no exact catalog entry exists. Rules are part of the catalog file, so
// additions never require a code change.
type PrefixRule struct {
	Prefix     string     `yaml:"prefix" json:"prefix"`
	ClientType ClientType `yaml:"client_type" json:"client_type"`
}

type catalogFile struct {
	Models   []Model      `yaml:"models"`
	Prefixes []PrefixRule `yaml:"prefixes"`
}

// Catalog is the immutable dispatch table built at configuration load.
type Catalog struct {
	byID     map[string]Model
	prefixes []PrefixRule
}

// Default returns the built-in catalog covering the two supported model
// families.
func Default() *Catalog {
	c := &Catalog{byID: map[string]Model{}}
	for _, m := range []Model{
		{ModelID: "gpt-4o", Name: "GPT-4o", ClientType: ClientTypeOpenAI},
		{ModelID: "gpt-4o-mini", Name: "GPT-4o mini", ClientType: ClientTypeOpenAI},
		{ModelID: "gpt-4.1", Name: "GPT-4.1", ClientType: ClientTypeOpenAI},
		{ModelID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ClientType: ClientTypeGoogle},
		{ModelID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ClientType: ClientTypeGoogle},
		{ModelID: "gemma-3-27b-it", Name: "Gemma 3 27B", ClientType: ClientTypeGoogle},
	} {
		c.byID[m.ModelID] = m
	}
	c.prefixes = []PrefixRule{
		{Prefix: "gpt-", ClientType: ClientTypeOpenAI},
		{Prefix: "chatgpt-", ClientType: ClientTypeOpenAI},
		{Prefix: "gemini-", ClientType: ClientTypeGoogle},
		{Prefix: "gemma-", ClientType: ClientTypeGoogle},
	}
	return c
}

// Load reads a catalog from a YAML file. An empty path yields the built-in
// catalog.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(file.Models) == 0 && len(file.Prefixes) == 0 {
		return nil, errors.New("model catalog is empty")
	}

	c := &Catalog{byID: make(map[string]Model, len(file.Models))}
	for i := range file.Models {
		m := file.Models[i]
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("model catalog entry %d: %w", i, err)
		}
		c.byID[m.ModelID] = m
	}
	for i, rule := range file.Prefixes {
		if strings.TrimSpace(rule.Prefix) == "" {
			return nil, fmt.Errorf("model catalog prefix rule %d: prefix is required", i)
		}
		if !rule.ClientType.Valid() {
			return nil, fmt.Errorf("model catalog prefix rule %d: invalid client type: %s", i, rule.ClientType)
		}
		c.prefixes = append(c.prefixes, rule)
	}
	return c, nil
}

// Resolve returns the catalog entry for a model identifier. Identifiers
// without an exact entry fall back to the prefix rules; unknown
// identifiers report ok=false.
func (c *Catalog) Resolve(modelID string) (Model, bool) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return Model{}, false
	}
	if m, ok := c.byID[modelID]; ok {
		return m, true
	}
	for _, rule := range c.prefixes {
		if strings.HasPrefix(modelID, rule.Prefix) {
			return Model{ModelID: modelID, Name: modelID, ClientType: rule.ClientType}, true
		}
	}
	return Model{}, false
}

// List returns the explicit catalog entries sorted by model id.
func (c *Catalog) List() []Model {
	out := make([]Model, 0, len(c.byID))
	for _, m := range c.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
