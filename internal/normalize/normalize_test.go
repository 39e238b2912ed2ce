package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/BigOD2307/africa-strategy-platform/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pestelPayload = `{
  "scores": {"politique": 62, "economic": "71,5", "S": 55, "technologique": 48, "Env": 80, "L": 66, "total": 64},
  "analyse": "Contexte stable",
  "recommandations_prioritaires": ["Diversifier les fournisseurs", {"action": "Certifier", "horizon": "12 mois"}],
  "analyse_detaillee": {
    "Politique": {"score": 6, "justification": "Stabilité", "risques": ["Instabilité fiscale"], "opportunités": "Subventions"},
    "économique": {"score": 72, "risks": ["Inflation", "Change"]},
    "social": 55
  }
}`

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	blob, err := json.Marshal(v)
	require.NoError(t, err)
	return blob
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := New(schema.Default())
	first, m1, err := n.Normalize("pestel", json.RawMessage(pestelPayload))
	require.NoError(t, err)
	second, m2, err := n.Normalize("pestel", json.RawMessage(pestelPayload))
	require.NoError(t, err)

	assert.Equal(t, string(mustJSON(t, first)), string(mustJSON(t, second)))
	assert.Equal(t, m1, m2)
}

func TestNormalizeResolvesAliases(t *testing.T) {
	a, _, err := New(nil).Normalize("pestel", json.RawMessage(pestelPayload))
	require.NoError(t, err)

	cases := map[string]float64{
		"political": 62, "economic": 71.5, "social": 55,
		"technological": 48, "environmental": 80, "legal": 66, "overall": 64,
	}
	for field, want := range cases {
		got, known := a.Number(field)
		assert.True(t, known, field)
		assert.Equal(t, want, got, field)
	}
	assert.Equal(t, "Contexte stable", a.Text("analysis"))
	assert.Len(t, a.List("recommendations"), 2)
	assert.Equal(t, "scores.politique", a.Fields["political"].Source)
}

func TestNormalizeNestedSections(t *testing.T) {
	a, manifest, err := New(nil).Normalize("pestel", json.RawMessage(pestelPayload))
	require.NoError(t, err)

	sections := a.Sections("dimensions")
	require.Len(t, sections, 3)

	assert.Equal(t, "political", sections[0].Key)
	assert.Equal(t, "Politique", sections[0].Label)
	assert.Equal(t, []any{"Subventions"}, sections[0].Fields["opportunities"].List)
	assert.Equal(t, []any{"Instabilité fiscale"}, sections[0].Fields["risks"].List)
	assert.Equal(t, "Stabilité", sections[0].Fields["justification"].Text)

	assert.Equal(t, "economic", sections[1].Key)
	assert.Equal(t, "Économique", sections[1].Label)
	assert.Equal(t, 72.0, sections[1].Fields["score"].Num())

	assert.Equal(t, "social", sections[2].Key)
	assert.Equal(t, 55.0, sections[2].Fields["score"].Num())
	assert.False(t, sections[2].Fields["score"].Defaulted)

	assert.Contains(t, manifest, Gap{Field: "dimensions[economic].justification", Reason: "absent"})
}

func TestNormalizeIsTotal(t *testing.T) {
	s := schema.Default()
	n := New(s)
	for _, st := range s.Stages {
		a, manifest, err := n.Normalize(st.ID, json.RawMessage(`{}`))
		require.NoError(t, err, st.ID)
		require.Len(t, a.Fields, len(st.Fields), st.ID)
		for _, f := range st.Fields {
			v, ok := a.Fields[f.Name]
			require.True(t, ok, f.Name)
			assert.True(t, v.Defaulted, f.Name)
			assert.Equal(t, f.Kind, v.Kind)
			if f.Kind == schema.KindNumeric {
				require.NotNil(t, v.Number)
			}
		}
		assert.Len(t, manifest, len(st.Fields), st.ID)
	}
}

func TestDefaultDistinguishableFromZero(t *testing.T) {
	n := New(nil)
	zero, _, err := n.Normalize("risk", json.RawMessage(`{"overall_score": 0}`))
	require.NoError(t, err)
	absent, _, err := n.Normalize("risk", json.RawMessage(`{}`))
	require.NoError(t, err)

	v, known := zero.Number("overall_score")
	assert.True(t, known)
	assert.Equal(t, 0.0, v)

	_, known = absent.Number("overall_score")
	assert.False(t, known)
}

func TestUnparseableNumberRecorded(t *testing.T) {
	a, manifest, err := New(nil).Normalize("risk", json.RawMessage(`{"score":"élevé"}`))
	require.NoError(t, err)
	v := a.Fields["overall_score"]
	assert.True(t, v.Defaulted)
	assert.Equal(t, 0.0, v.Num())
	assert.Contains(t, manifest, Gap{Field: "overall_score", Reason: "unparseable"})
}

func TestStageRootUnwrapped(t *testing.T) {
	a, _, err := New(nil).Normalize("market", json.RawMessage(`{"marche":{"menaces":["Concurrence asiatique"],"taille_marche":{"valeur_actuelle":"2,3 Mds FCFA","projections":{"2025":"2,8","2030":"4,1"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, []any{"Concurrence asiatique"}, a.List("threats"))
	assert.Equal(t, "2,3 Mds FCFA", a.Text("size_current"))

	entries := a.Entries("projections")
	require.Len(t, entries, 2)
	assert.Equal(t, "2025", entries[0].Key)
	assert.Equal(t, 2.8, entries[0].Value)
	assert.Equal(t, 4.1, entries[1].Value)
}

func TestStringPayloadIsCleaned(t *testing.T) {
	text := "Voici l'analyse:\n```json\n{\"overall_score\": 74, \"recommendations\": [\"Couvrir le change\",],}\n```"
	raw, err := json.Marshal(text)
	require.NoError(t, err)

	a, _, err := New(nil).Normalize("risk", raw)
	require.NoError(t, err)
	v, known := a.Number("overall_score")
	assert.True(t, known)
	assert.Equal(t, 74.0, v)
	assert.Equal(t, []any{"Couvrir le change"}, a.List("recommendations"))
}

func TestUnparseablePayloadIsFatal(t *testing.T) {
	for _, raw := range []string{`"pas de JSON ici"`, `[1,2]`, ``, `42`} {
		_, _, err := New(nil).Normalize("risk", json.RawMessage(raw))
		assert.True(t, errors.Is(err, ErrUnparseable), raw)
	}
}

func TestUnknownStageKeepsOnlyIdentity(t *testing.T) {
	a, manifest, err := New(nil).Normalize("bloc_inconnu", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, "bloc_inconnu", a.Stage)
	assert.Empty(t, a.Fields)
	assert.Empty(t, manifest)
}

func TestSectionsFromArray(t *testing.T) {
	a, _, err := New(nil).Normalize("value_chain", json.RawMessage(`{
		"activites_primaires": [
			{"nom": "Logistique entrante", "score": 58, "alertes": ["Retards portuaires"], "optimisations": ["Entrepôt régional"]},
			{"score": 70}
		]
	}`))
	require.NoError(t, err)
	sections := a.Sections("primary_activities")
	require.Len(t, sections, 2)
	assert.Equal(t, "logistique_entrante", sections[0].Key)
	assert.Equal(t, "Logistique Entrante", sections[0].Label)
	assert.Equal(t, []any{"Retards portuaires"}, sections[0].Fields["risks"].List)
	assert.Equal(t, "item_2", sections[1].Key)
	assert.True(t, a.Fields["support_activities"].Defaulted)
}

func TestClean(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":     `{"a":1}`,
		`prefix {"a":[1,2,]} suffix`:  `{"a":[1,2]}`,
		`{"a":{"b":[1,2`:              `{"a":{"b":[1,2]}}`,
		`{"a":"texte avec } dedans"}`: `{"a":"texte avec } dedans"}`,
	}
	for in, want := range cases {
		raw, err := json.Marshal(in)
		require.NoError(t, err)
		got, err := Clean(raw)
		require.NoError(t, err, in)
		assert.JSONEq(t, want, string(got), in)
	}
}
