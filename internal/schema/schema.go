package schema

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BigOD2307/africa-strategy-platform/internal/alias"
	"gopkg.in/yaml.v3"
)

//go:embed canonical.yaml
var defaultYAML []byte

type Kind string

const (
	KindScalar     Kind = "scalar"
	KindList       Kind = "list"
	KindNumeric    Kind = "numeric"
	KindSections   Kind = "sections"
	KindNumericMap Kind = "numeric_map"
)

type Category string

const (
	CategoryRisk           Category = "risk"
	CategoryOpportunity    Category = "opportunity"
	CategoryRecommendation Category = "recommendation"
)

type Field struct {
	Name     string              `yaml:"name"`
	Kind     Kind                `yaml:"kind"`
	Aliases  []string            `yaml:"aliases"`
	Default  *float64            `yaml:"default,omitempty"`
	Category Category            `yaml:"category,omitempty"`
	Fields   []Field             `yaml:"fields,omitempty"`
	Keys     map[string][]string `yaml:"keys,omitempty"`
}

// Chain is the alias chain used to find the field in a payload.
func (f Field) Chain() alias.Chain {
	kind := alias.KindScalar
	switch f.Kind {
	case KindList:
		kind = alias.KindList
	case KindNumeric:
		kind = alias.KindNumeric
	case KindSections, KindNumericMap:
		kind = alias.KindObject
	}
	return alias.Chain{Kind: kind, Paths: f.Aliases}
}

func (f Field) DefaultNumber() float64 {
	if f.Default == nil {
		return 0
	}
	return *f.Default
}

type Stage struct {
	ID      string   `yaml:"id"`
	Label   string   `yaml:"label"`
	Aliases []string `yaml:"aliases"`
	Roots   []string `yaml:"roots"`
	Fields  []Field  `yaml:"fields"`
}

func (s Stage) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

type Composite struct {
	Name     string   `yaml:"name"`
	Sources  []string `yaml:"sources"`
	MeanOf   []string `yaml:"mean_of,omitempty"`
	Default  float64  `yaml:"default"`
	Classify bool     `yaml:"classify,omitempty"`
}

type Limits struct {
	MaxItems int `yaml:"max_items"`
}

type Schema struct {
	Version    int         `yaml:"version"`
	Stages     []Stage     `yaml:"stages"`
	Composites []Composite `yaml:"composites"`
	Limits     Limits      `yaml:"limits"`

	stageIndex map[string]int
	aliasIndex map[string]string
}

var (
	defaultOnce   sync.Once
	defaultSchema *Schema
	defaultErr    error
)

// Default returns the embedded canonical schema.
func Default() *Schema {
	defaultOnce.Do(func() {
		defaultSchema, defaultErr = Parse(defaultYAML)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("embedded schema: %v", defaultErr))
	}
	return defaultSchema
}

func Load(path string) (*Schema, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(blob)
}

func Parse(blob []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if s.Limits.MaxItems <= 0 {
		s.Limits.MaxItems = 8
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.index()
	return &s, nil
}

func (s *Schema) index() {
	s.stageIndex = make(map[string]int, len(s.Stages))
	s.aliasIndex = map[string]string{}
	for i, st := range s.Stages {
		s.stageIndex[st.ID] = i
		s.aliasIndex[FoldKey(st.ID)] = st.ID
		for _, a := range st.Aliases {
			s.aliasIndex[FoldKey(a)] = st.ID
		}
	}
}

func (s *Schema) Validate() error {
	if s.Version <= 0 {
		return fmt.Errorf("schema: version must be positive")
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("schema: no stages")
	}
	seen := map[string]bool{}
	for _, st := range s.Stages {
		if st.ID == "" {
			return fmt.Errorf("schema: stage without id")
		}
		if seen[st.ID] {
			return fmt.Errorf("schema: duplicate stage %q", st.ID)
		}
		seen[st.ID] = true
		if err := validateFields(st.ID, st.Fields); err != nil {
			return err
		}
	}
	for _, c := range s.Composites {
		if c.Name == "" {
			return fmt.Errorf("schema: composite without name")
		}
		for _, ref := range append(append([]string{}, c.Sources...), c.MeanOf...) {
			if err := s.checkRef(ref); err != nil {
				return fmt.Errorf("schema: composite %s: %w", c.Name, err)
			}
		}
	}
	return nil
}

func validateFields(scope string, fields []Field) error {
	names := map[string]bool{}
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("schema: %s: field without name", scope)
		}
		if names[f.Name] {
			return fmt.Errorf("schema: %s: duplicate field %q", scope, f.Name)
		}
		names[f.Name] = true
		switch f.Kind {
		case KindScalar, KindList, KindNumeric, KindNumericMap:
		case KindSections:
			if err := validateFields(scope+"."+f.Name, f.Fields); err != nil {
				return err
			}
		default:
			return fmt.Errorf("schema: %s.%s: unknown kind %q", scope, f.Name, f.Kind)
		}
		if len(f.Aliases) == 0 {
			return fmt.Errorf("schema: %s.%s: no aliases", scope, f.Name)
		}
		if f.Category != "" && f.Category != CategoryRisk && f.Category != CategoryOpportunity && f.Category != CategoryRecommendation {
			return fmt.Errorf("schema: %s.%s: unknown category %q", scope, f.Name, f.Category)
		}
	}
	return nil
}

func (s *Schema) checkRef(ref string) error {
	stageID, field, ok := SplitRef(ref)
	if !ok {
		return fmt.Errorf("bad reference %q", ref)
	}
	for _, st := range s.Stages {
		if st.ID != stageID {
			continue
		}
		f, ok := st.Field(field)
		if !ok {
			return fmt.Errorf("unknown field %q", ref)
		}
		if f.Kind != KindNumeric {
			return fmt.Errorf("%q is not numeric", ref)
		}
		return nil
	}
	return fmt.Errorf("unknown stage in %q", ref)
}

// SplitRef splits a "stage.field" reference.
func SplitRef(ref string) (string, string, bool) {
	stage, field, ok := strings.Cut(ref, ".")
	if !ok || stage == "" || field == "" {
		return "", "", false
	}
	return stage, field, true
}

func (s *Schema) Stage(id string) (Stage, bool) {
	i, ok := s.stageIndex[id]
	if !ok {
		return Stage{}, false
	}
	return s.Stages[i], true
}

// ResolveStageID maps a backend stage name onto a canonical stage id. Unknown
// names come back folded and with ok=false.
func (s *Schema) ResolveStageID(raw string) (string, bool) {
	key := FoldKey(raw)
	if id, ok := s.aliasIndex[key]; ok {
		return id, true
	}
	return key, false
}

func (s *Schema) StageIDs() []string {
	out := make([]string, 0, len(s.Stages))
	for _, st := range s.Stages {
		out = append(out, st.ID)
	}
	return out
}

// Order returns the canonical position of a stage, unknown stages last.
func (s *Schema) Order(id string) int {
	if i, ok := s.stageIndex[id]; ok {
		return i
	}
	return len(s.Stages)
}
