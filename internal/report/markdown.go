package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BigOD2307/africa-strategy-platform/internal/aggregate"
	"github.com/BigOD2307/africa-strategy-platform/internal/normalize"
	"github.com/BigOD2307/africa-strategy-platform/internal/schema"
	"github.com/BigOD2307/africa-strategy-platform/internal/store"
)

// StageState is the status line of one stage in the report header.
type StageState struct {
	ID     string
	Status store.Status
	Error  string
}

// Input is everything a report is built from. Only canonical records are
// read; raw payloads never reach the report.
type Input struct {
	SessionID   string
	GeneratedAt time.Time
	Schema      *schema.Schema
	Stages      []StageState
	Analyses    map[string]*normalize.Analysis
	Aggregate   aggregate.Aggregate
}

const methodologyHeading = "Méthodologie"

var compositeLabels = map[string]string{
	"risk_level":      "Niveau de risque",
	"pestel_score":    "Score PESTEL",
	"esg_score":       "Score ESG",
	"overall_posture": "Posture globale",
}

var riskLabels = map[aggregate.RiskCategory]string{
	aggregate.RiskLow:    "faible",
	aggregate.RiskMedium: "modéré",
	aggregate.RiskHigh:   "élevé",
}

var maturityLabels = map[aggregate.Maturity]string{
	aggregate.MaturityLeader:   "Leader",
	aggregate.MaturityEngaged:  "Engagé",
	aggregate.MaturityAware:    "Conscient",
	aggregate.MaturityBeginner: "Débutant",
}

// BuildMarkdown renders the strategic report. Stages without a canonical
// record are listed with their status and skipped in the body.
func BuildMarkdown(in Input) string {
	if in.Schema == nil {
		in.Schema = schema.Default()
	}
	var b strings.Builder
	b.WriteString("# Rapport stratégique\n\n")
	fmt.Fprintf(&b, "- **Session :** %s\n", in.SessionID)
	if !in.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- **Généré le :** %s\n", in.GeneratedAt.UTC().Format("02/01/2006 15:04 UTC"))
	}
	state := "en cours"
	if in.Aggregate.Complete {
		state = "terminée"
	}
	fmt.Fprintf(&b, "- **Analyse :** %s (%d blocs disponibles)\n\n", state, len(in.Aggregate.Contributing))

	writeSummary(&b, in.Aggregate)
	writeStageTable(&b, in)

	n := 0
	for _, st := range in.Schema.Stages {
		a := in.Analyses[st.ID]
		if a == nil {
			continue
		}
		n++
		fmt.Fprintf(&b, "## Bloc %d : %s\n\n", n, st.Label)
		writeFields(&b, st.Fields, a.Fields, 3)
	}

	fmt.Fprintf(&b, "## %s\n\n", methodologyHeading)
	b.WriteString("Les scores composites suivent un ordre de repli documenté : la première source mesurée l'emporte, ")
	b.WriteString("puis la moyenne des sources secondaires, puis une valeur par défaut de 50 marquée « n/d ». ")
	fmt.Fprintf(&b, "Un score inférieur à %s est classé faible, supérieur à %s élevé, modéré entre les deux bornes incluses.\n",
		formatNumber(aggregate.LowBelow), formatNumber(aggregate.HighAbove))
	return b.String()
}

func writeSummary(b *strings.Builder, agg aggregate.Aggregate) {
	b.WriteString("## Synthèse\n\n")
	b.WriteString("| Indicateur | Valeur | Source |\n|---|---|---|\n")
	for _, c := range agg.Composites {
		label := compositeLabels[c.Name]
		if label == "" {
			label = schema.DisplayLabel(c.Name)
		}
		fmt.Fprintf(b, "| %s | %s | %s |\n", escapeCell(label), compositeValue(c), escapeCell(c.Source))
	}
	fmt.Fprintf(b, "\n**Niveau de risque :** %s (%s) · **Maturité :** %s\n\n",
		compositeValue(agg.RiskLevel), riskLabels[agg.RiskCategory], maturityLabels[agg.Maturity])

	if len(agg.RiskCategories) > 0 {
		b.WriteString("### Risques par catégorie\n\n| Catégorie | Sévérité | Classe |\n|---|---|---|\n")
		for _, c := range agg.RiskCategories {
			fmt.Fprintf(b, "| %s | %s | %s |\n", escapeCell(c.Label), formatNumber(c.Score), riskLabels[c.Category])
		}
		b.WriteString("\n")
	}
	writeList(b, "### Principaux risques", agg.Risks)
	writeList(b, "### Opportunités", agg.Opportunities)
	writeList(b, "### Recommandations prioritaires", agg.Recommendations)
}

func writeStageTable(b *strings.Builder, in Input) {
	if len(in.Stages) == 0 {
		return
	}
	b.WriteString("### Avancement\n\n| Bloc | Statut |\n|---|---|\n")
	for _, s := range in.Stages {
		label := s.ID
		if st, ok := in.Schema.Stage(s.ID); ok {
			label = st.Label
		}
		status := string(s.Status)
		if s.Error != "" {
			status += " : " + s.Error
		}
		fmt.Fprintf(b, "| %s | %s |\n", escapeCell(label), escapeCell(status))
	}
	b.WriteString("\n")
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(heading + "\n\n")
	for _, it := range items {
		b.WriteString("- " + oneLine(it) + "\n")
	}
	b.WriteString("\n")
}

func writeFields(b *strings.Builder, fields []schema.Field, values map[string]normalize.Value, depth int) {
	var scores [][2]string
	for _, f := range fields {
		if v, ok := values[f.Name]; ok && f.Kind == schema.KindNumeric {
			scores = append(scores, [2]string{schema.DisplayLabel(f.Name), valueNumber(v)})
		}
	}
	if len(scores) > 0 {
		b.WriteString("| Indicateur | Score |\n|---|---|\n")
		for _, s := range scores {
			fmt.Fprintf(b, "| %s | %s |\n", escapeCell(s[0]), s[1])
		}
		b.WriteString("\n")
	}
	heading := strings.Repeat("#", depth)
	for _, f := range fields {
		v, ok := values[f.Name]
		if !ok || v.Defaulted {
			continue
		}
		switch f.Kind {
		case schema.KindScalar:
			if strings.TrimSpace(v.Text) != "" {
				fmt.Fprintf(b, "**%s :** %s\n\n", schema.DisplayLabel(f.Name), oneLine(v.Text))
			}
		case schema.KindList:
			writeList(b, fmt.Sprintf("%s %s", heading, schema.DisplayLabel(f.Name)), listStrings(v.List))
		case schema.KindNumericMap:
			if len(v.Entries) == 0 {
				continue
			}
			fmt.Fprintf(b, "%s %s\n\n| Élément | Valeur |\n|---|---|\n", heading, schema.DisplayLabel(f.Name))
			for _, e := range v.Entries {
				val := formatNumber(e.Value)
				if e.Defaulted {
					val = escapeCell(oneLine(e.Text))
				}
				fmt.Fprintf(b, "| %s | %s |\n", escapeCell(e.Label), val)
			}
			b.WriteString("\n")
		case schema.KindSections:
			for _, sec := range v.Sections {
				fmt.Fprintf(b, "%s %s\n\n", heading, sec.Label)
				writeFields(b, f.Fields, sec.Fields, depth+1)
			}
		}
	}
}

func listStrings(list []any) []string {
	return aggregate.Dedup(0, list)
}

func valueNumber(v normalize.Value) string {
	if v.Defaulted || v.Number == nil {
		return "n/d"
	}
	return formatNumber(*v.Number)
}

func compositeValue(c aggregate.Composite) string {
	if !c.Known {
		return "n/d"
	}
	return formatNumber(c.Value)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(oneLine(s), "|", `\|`)
}
