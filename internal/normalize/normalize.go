package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/BigOD2307/africa-strategy-platform/internal/alias"
	"github.com/BigOD2307/africa-strategy-platform/internal/schema"
	"github.com/tidwall/gjson"
)

// Value is one canonical field. Exactly one of the content members is used,
// according to Kind.
type Value struct {
	Kind      schema.Kind `json:"kind"`
	Source    string      `json:"source,omitempty"`
	Defaulted bool        `json:"defaulted,omitempty"`
	Text      string      `json:"text,omitempty"`
	Number    *float64    `json:"number,omitempty"`
	List      []any       `json:"list,omitempty"`
	Sections  []Section   `json:"sections,omitempty"`
	Entries   []Entry     `json:"entries,omitempty"`
}

func (v Value) Known() bool { return !v.Defaulted }

func (v Value) Num() float64 {
	if v.Number == nil {
		return 0
	}
	return *v.Number
}

type Section struct {
	Key       string           `json:"key"`
	Label     string           `json:"label"`
	SourceKey string           `json:"source_key"`
	Fields    map[string]Value `json:"fields"`
}

type Entry struct {
	Key       string  `json:"key"`
	Label     string  `json:"label"`
	Value     float64 `json:"value"`
	Text      string  `json:"text,omitempty"`
	Defaulted bool    `json:"defaulted,omitempty"`
}

// Analysis is the canonical, alias-free record of one stage. It is never
// mutated after Normalize returns it.
type Analysis struct {
	Stage         string           `json:"stage"`
	SchemaVersion int              `json:"schema_version"`
	Fields        map[string]Value `json:"fields"`
}

func (a *Analysis) Field(name string) (Value, bool) {
	if a == nil {
		return Value{}, false
	}
	v, ok := a.Fields[name]
	return v, ok
}

// Number returns a numeric field and whether it came from the payload.
func (a *Analysis) Number(name string) (float64, bool) {
	v, ok := a.Field(name)
	if !ok || v.Number == nil {
		return 0, false
	}
	return *v.Number, !v.Defaulted
}

func (a *Analysis) Text(name string) string {
	v, _ := a.Field(name)
	return v.Text
}

func (a *Analysis) List(name string) []any {
	v, _ := a.Field(name)
	return v.List
}

func (a *Analysis) Sections(name string) []Section {
	v, _ := a.Field(name)
	return v.Sections
}

func (a *Analysis) Entries(name string) []Entry {
	v, _ := a.Field(name)
	return v.Entries
}

type Gap struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Manifest lists the fields that were filled with defaults.
type Manifest []Gap

type Normalizer struct {
	schema *schema.Schema
}

func New(s *schema.Schema) *Normalizer {
	if s == nil {
		s = schema.Default()
	}
	return &Normalizer{schema: s}
}

func (n *Normalizer) Schema() *schema.Schema { return n.schema }

// Normalize maps a raw stage payload onto the canonical schema. It is pure:
// the same input always yields byte-identical JSON. The only error is a
// payload that cannot be read as a JSON object.
func (n *Normalizer) Normalize(stageID string, raw json.RawMessage) (*Analysis, Manifest, error) {
	doc, err := Clean(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("normalize %s: %w", stageID, err)
	}
	a := &Analysis{Stage: stageID, SchemaVersion: n.schema.Version, Fields: map[string]Value{}}
	st, ok := n.schema.Stage(stageID)
	if !ok {
		return a, nil, nil
	}
	root := gjson.ParseBytes(doc)
	if r := alias.Resolve(root, alias.Chain{Kind: alias.KindObject, Paths: st.Roots}); r.Found && r.Raw.IsObject() {
		root = r.Raw
	}
	var m Manifest
	a.Fields = normalizeFields(root, st.Fields, "", &m)
	return a, m, nil
}

func normalizeFields(root gjson.Result, fields []schema.Field, prefix string, m *Manifest) map[string]Value {
	out := make(map[string]Value, len(fields))
	for _, f := range fields {
		path := prefix + f.Name
		res := alias.Resolve(root, f.Chain())
		v := Value{Kind: f.Kind, Source: res.Path}
		switch f.Kind {
		case schema.KindList:
			v.List = res.List
		case schema.KindNumeric:
			num := res.Number
			if !res.Found {
				num = f.DefaultNumber()
			}
			v.Number = &num
		case schema.KindSections:
			if res.Found {
				v.Sections = normalizeSections(res.Raw, f, path, m)
			}
		case schema.KindNumericMap:
			if res.Found {
				v.Entries = normalizeEntries(res.Raw)
			}
		default:
			v.Text = res.Text
		}
		if res.Defaulted {
			v.Defaulted = true
			*m = append(*m, Gap{Field: path, Reason: res.Reason})
		}
		out[f.Name] = v
	}
	return out
}

var nameKeys = []string{"name", "nom", "titre", "title", "dimension", "activite", "categorie", "category", "label", "odd"}

func normalizeSections(raw gjson.Result, f schema.Field, path string, m *Manifest) []Section {
	keyIndex := map[string]string{}
	for canonical, aliases := range f.Keys {
		keyIndex[schema.FoldKey(canonical)] = canonical
		for _, a := range aliases {
			keyIndex[schema.FoldKey(a)] = canonical
		}
	}
	var out []Section
	seen := map[string]bool{}
	add := func(sourceKey string, body gjson.Result) {
		key := schema.FoldKey(sourceKey)
		if canonical, ok := keyIndex[key]; ok {
			key = canonical
		}
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		if !body.IsObject() {
			body = scalarSection(body, f.Fields)
		}
		out = append(out, Section{
			Key:       key,
			Label:     schema.DisplayLabel(sourceKey),
			SourceKey: sourceKey,
			Fields:    normalizeFields(body, f.Fields, path+"["+key+"].", m),
		})
	}
	if raw.IsArray() {
		for i, item := range raw.Array() {
			add(itemName(item, i), item)
		}
		return out
	}
	raw.ForEach(func(k, v gjson.Result) bool {
		add(k.String(), v)
		return true
	})
	return out
}

// scalarSection lets shorthand such as {"politique": 65} populate the first
// numeric sub-field.
func scalarSection(v gjson.Result, fields []schema.Field) gjson.Result {
	for _, f := range fields {
		if f.Kind != schema.KindNumeric || len(f.Aliases) == 0 {
			continue
		}
		if _, ok := alias.Number(v); !ok {
			break
		}
		blob, _ := json.Marshal(map[string]any{f.Aliases[0]: v.Value()})
		return gjson.ParseBytes(blob)
	}
	return gjson.Parse("{}")
}

func itemName(item gjson.Result, i int) string {
	if item.IsObject() {
		for _, k := range nameKeys {
			if v := item.Get(k); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	return "item_" + strconv.Itoa(i+1)
}

func normalizeEntries(raw gjson.Result) []Entry {
	var out []Entry
	add := func(key string, v gjson.Result) {
		e := Entry{Key: schema.FoldKey(key), Label: schema.DisplayLabel(key)}
		if e.Key == "" {
			return
		}
		if n, ok := alias.Number(v); ok {
			e.Value = n
		} else {
			e.Defaulted = true
		}
		if !v.IsObject() && v.Type != gjson.Number {
			e.Text = alias.Text(v)
		}
		out = append(out, e)
	}
	if raw.IsArray() {
		for i, item := range raw.Array() {
			if !item.IsObject() {
				continue
			}
			add(itemName(item, i), item)
		}
		return out
	}
	raw.ForEach(func(k, v gjson.Result) bool {
		add(k.String(), v)
		return true
	})
	return out
}
