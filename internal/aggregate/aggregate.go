package aggregate

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/BigOD2307/africa-strategy-platform/internal/normalize"
	"github.com/BigOD2307/africa-strategy-platform/internal/schema"
)

// Thresholds for risk classification. Both bounds belong to medium.
const (
	LowBelow  = 40.0
	HighAbove = 70.0
)

// UnknownScore is the composite value used when no source is present. It
// reads as medium and is kept apart from a measured zero by Known=false.
const UnknownScore = 50.0

type RiskCategory string

const (
	RiskLow    RiskCategory = "low"
	RiskMedium RiskCategory = "medium"
	RiskHigh   RiskCategory = "high"
)

type Maturity string

const (
	MaturityLeader   Maturity = "leader"
	MaturityEngaged  Maturity = "engaged"
	MaturityAware    Maturity = "aware"
	MaturityBeginner Maturity = "beginner"
)

type Composite struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	// Source is the "stage.field" that produced Value, "mean" for the
	// averaged fallback, or "default".
	Source string `json:"source"`
	Known  bool   `json:"known"`
}

type CategoryScore struct {
	Key      string       `json:"key"`
	Label    string       `json:"label"`
	Score    float64      `json:"score"`
	Category RiskCategory `json:"category"`
}

type Aggregate struct {
	Risks           []string        `json:"risks"`
	Opportunities   []string        `json:"opportunities"`
	Recommendations []string        `json:"recommendations"`
	Composites      []Composite     `json:"composites"`
	RiskLevel       Composite       `json:"risk_level"`
	RiskCategory    RiskCategory    `json:"risk_category"`
	RiskCategories  []CategoryScore `json:"risk_categories,omitempty"`
	Maturity        Maturity        `json:"maturity"`
	Contributing    []string        `json:"contributing_stages"`
	Complete        bool            `json:"complete"`
}

// Composite looks up a composite score by name.
func (a Aggregate) Composite(name string) (Composite, bool) {
	for _, c := range a.Composites {
		if c.Name == name {
			return c, true
		}
	}
	return Composite{}, false
}

type Options struct {
	// MaxItems caps each deduplicated list. Zero uses the schema limit.
	MaxItems int
	// Terminal lists the stages that reached completed or error. It decides
	// Complete; when nil, a stage counts as terminal once it has a record.
	Terminal map[string]bool
}

// Compute derives the cross-stage view from whatever canonical records exist.
// It never waits for missing stages.
func Compute(s *schema.Schema, analyses map[string]*normalize.Analysis, expected []string, opts Options) Aggregate {
	if s == nil {
		s = schema.Default()
	}
	limit := opts.MaxItems
	if limit <= 0 {
		limit = s.Limits.MaxItems
	}

	risks := newDeduper(limit)
	opportunities := newDeduper(limit)
	recommendations := newDeduper(limit)
	byCategory := map[schema.Category]*deduper{
		schema.CategoryRisk:           risks,
		schema.CategoryOpportunity:    opportunities,
		schema.CategoryRecommendation: recommendations,
	}

	var out Aggregate
	for _, st := range s.Stages {
		a := analyses[st.ID]
		if a == nil {
			continue
		}
		out.Contributing = append(out.Contributing, st.ID)
		collect(st.Fields, a.Fields, byCategory)
	}

	out.Risks = risks.items()
	out.Opportunities = opportunities.items()
	out.Recommendations = recommendations.items()

	for _, c := range s.Composites {
		out.Composites = append(out.Composites, resolveComposite(c, analyses))
	}
	if rl, ok := out.Composite("risk_level"); ok {
		out.RiskLevel = rl
	} else {
		out.RiskLevel = Composite{Name: "risk_level", Value: UnknownScore, Source: "default"}
	}
	out.RiskCategory = Classify(out.RiskLevel.Value)
	out.RiskCategories = riskCategories(analyses)
	if posture, ok := out.Composite("overall_posture"); ok {
		out.Maturity = MaturityOf(posture.Value)
	} else {
		out.Maturity = MaturityOf(UnknownScore)
	}
	out.Complete = complete(expected, analyses, opts.Terminal)
	return out
}

// Classify buckets a 0-100 score.
func Classify(score float64) RiskCategory {
	switch {
	case score < LowBelow:
		return RiskLow
	case score > HighAbove:
		return RiskHigh
	default:
		return RiskMedium
	}
}

func MaturityOf(score float64) Maturity {
	switch {
	case score >= 85:
		return MaturityLeader
	case score >= 75:
		return MaturityEngaged
	case score >= 50:
		return MaturityAware
	default:
		return MaturityBeginner
	}
}

// Dedup flattens the given lists into comparable strings, keeps the first
// occurrence of each and stops at limit. A limit of zero keeps everything.
func Dedup(limit int, lists ...[]any) []string {
	d := newDeduper(limit)
	for _, l := range lists {
		d.add(l)
	}
	return d.items()
}

type deduper struct {
	limit int
	seen  map[string]bool
	out   []string
}

func newDeduper(limit int) *deduper {
	return &deduper{limit: limit, seen: map[string]bool{}}
}

func (d *deduper) add(list []any) {
	for _, item := range list {
		if d.limit > 0 && len(d.out) >= d.limit {
			return
		}
		key, ok := entryString(item)
		if !ok || d.seen[key] {
			continue
		}
		d.seen[key] = true
		d.out = append(d.out, key)
	}
}

func (d *deduper) items() []string {
	if len(d.out) == 0 {
		return []string{}
	}
	return d.out
}

// entryString gives a list entry its comparable form. Strings pass through;
// anything structured is encoded as JSON, whose map keys come out sorted.
func entryString(item any) (string, bool) {
	switch v := item.(type) {
	case nil:
		return "", false
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	case map[string]any:
		if len(v) == 0 {
			return "", false
		}
	case []any:
		if len(v) == 0 {
			return "", false
		}
	}
	blob, err := json.Marshal(item)
	if err != nil {
		return "", false
	}
	return string(blob), true
}

func collect(fields []schema.Field, values map[string]normalize.Value, byCategory map[schema.Category]*deduper) {
	for _, f := range fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		if d := byCategory[f.Category]; d != nil && f.Kind == schema.KindList {
			d.add(v.List)
		}
		if f.Kind == schema.KindSections {
			for _, sec := range v.Sections {
				collect(f.Fields, sec.Fields, byCategory)
			}
		}
	}
}

func resolveComposite(c schema.Composite, analyses map[string]*normalize.Analysis) Composite {
	for _, ref := range c.Sources {
		if n, ok := lookup(analyses, ref); ok {
			return Composite{Name: c.Name, Value: n, Source: ref, Known: true}
		}
	}
	var sum float64
	var count int
	for _, ref := range c.MeanOf {
		if n, ok := lookup(analyses, ref); ok {
			sum += n
			count++
		}
	}
	if count > 0 {
		return Composite{Name: c.Name, Value: round(sum / float64(count)), Source: "mean", Known: true}
	}
	return Composite{Name: c.Name, Value: c.Default, Source: "default"}
}

func lookup(analyses map[string]*normalize.Analysis, ref string) (float64, bool) {
	stageID, field, ok := schema.SplitRef(ref)
	if !ok {
		return 0, false
	}
	return analyses[stageID].Number(field)
}

// riskCategories prefers the risk stage's own breakdown and otherwise derives
// one from the PESTEL dimensions.
func riskCategories(analyses map[string]*normalize.Analysis) []CategoryScore {
	var out []CategoryScore
	for _, e := range analyses["risk"].Entries("categories") {
		if e.Defaulted {
			continue
		}
		out = append(out, CategoryScore{Key: e.Key, Label: e.Label, Score: e.Value, Category: Classify(e.Value)})
	}
	if len(out) > 0 {
		return out
	}
	for _, sec := range analyses["pestel"].Sections("dimensions") {
		s := 50.0
		if v, ok := sec.Fields["score"]; ok && v.Known() && v.Number != nil {
			s = *v.Number
			if s <= 10 {
				s *= 10
			}
		}
		severity := math.Max(0, 100-s)
		if v, ok := sec.Fields["risks"]; ok {
			severity += 5 * float64(len(v.List))
		}
		severity = round(math.Min(100, severity))
		out = append(out, CategoryScore{Key: sec.Key, Label: sec.Label, Score: severity, Category: Classify(severity)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func complete(expected []string, analyses map[string]*normalize.Analysis, terminal map[string]bool) bool {
	if len(expected) == 0 {
		return true
	}
	for _, id := range expected {
		if terminal != nil {
			if !terminal[id] {
				return false
			}
			continue
		}
		if analyses[id] == nil {
			return false
		}
	}
	return true
}

func round(v float64) float64 {
	return math.Round(v*10) / 10
}
