package alias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFirstAliasWins(t *testing.T) {
	chain := Chain{Kind: KindNumeric, Paths: []string{"scores.political", "scores.politique", "scores.P"}}

	both := ResolveBytes([]byte(`{"scores":{"politique":40,"political":72}}`), chain)
	require.True(t, both.Found)
	assert.Equal(t, 72.0, both.Number)
	assert.Equal(t, "scores.political", both.Path)

	onlyLater := ResolveBytes([]byte(`{"scores":{"politique":40}}`), chain)
	assert.Equal(t, 40.0, onlyLater.Number)
	assert.Equal(t, "scores.politique", onlyLater.Path)
}

func TestResolveSkipsNull(t *testing.T) {
	chain := Chain{Kind: KindScalar, Paths: []string{"summary", "resume_executif"}}
	res := ResolveBytes([]byte(`{"summary":null,"resume_executif":"Bon potentiel"}`), chain)
	assert.Equal(t, "Bon potentiel", res.Text)
	assert.Equal(t, "resume_executif", res.Path)
}

func TestResolveAbsentIsDefaulted(t *testing.T) {
	res := ResolveBytes([]byte(`{}`), Chain{Kind: KindNumeric, Paths: []string{"score"}})
	assert.False(t, res.Found)
	assert.True(t, res.Defaulted)
	assert.Equal(t, ReasonAbsent, res.Reason)
	assert.Equal(t, 0.0, res.Number)
}

func TestExplicitZeroIsNotDefaulted(t *testing.T) {
	res := ResolveBytes([]byte(`{"score":0}`), Chain{Kind: KindNumeric, Paths: []string{"score"}})
	assert.True(t, res.Found)
	assert.False(t, res.Defaulted)
	assert.Equal(t, 0.0, res.Number)
}

func TestListTolerance(t *testing.T) {
	chain := Chain{Kind: KindList, Paths: []string{"risques", "risks"}}

	scalar := ResolveBytes([]byte(`{"risques":"Inflation"}`), chain)
	assert.Equal(t, []any{"Inflation"}, scalar.List)

	null := ResolveBytes([]byte(`{"risques":null}`), chain)
	assert.Empty(t, null.List)
	assert.True(t, null.Defaulted)

	list := ResolveBytes([]byte(`{"risks":["a",{"x":1}]}`), chain)
	assert.Equal(t, []any{"a", map[string]any{"x": 1.0}}, list.List)
}

func TestNumericTolerance(t *testing.T) {
	chain := Chain{Kind: KindNumeric, Paths: []string{"v"}}
	cases := map[string]float64{
		`{"v":"12,5 %"}`:         12.5,
		`{"v":"€ 3.2 Mds"}`:      3.2,
		`{"v":"-4"}`:             -4,
		`{"v":[64]}`:             64,
		`{"v":{"score":7}}`:      7,
		`{"v":{"valeur":"8,1"}}`: 8.1,
	}
	for input, want := range cases {
		res := ResolveBytes([]byte(input), chain)
		assert.False(t, res.Defaulted, input)
		assert.InDelta(t, want, res.Number, 1e-9, input)
	}

	bad := ResolveBytes([]byte(`{"v":"n/a"}`), chain)
	assert.True(t, bad.Found)
	assert.True(t, bad.Defaulted)
	assert.Equal(t, ReasonUnparseable, bad.Reason)
	assert.Equal(t, 0.0, bad.Number)
}

func TestScalarTolerance(t *testing.T) {
	chain := Chain{Kind: KindScalar, Paths: []string{"v"}}
	assert.Equal(t, "42", ResolveBytes([]byte(`{"v":42}`), chain).Text)
	assert.Equal(t, "only", ResolveBytes([]byte(`{"v":["only"]}`), chain).Text)
	assert.Equal(t, `{"a":1,"b":2}`, ResolveBytes([]byte(`{"v":{"b":2,"a":1}}`), chain).Text)
	assert.False(t, ResolveBytes([]byte(`{"v":"   "}`), chain).Found)
}

func TestAccentedAndSymbolKeys(t *testing.T) {
	chain := Chain{Kind: KindList, Paths: []string{"opportunités", "taille.marché"}}
	res := ResolveBytes([]byte(`{"opportunités":["export"]}`), chain)
	assert.Equal(t, []any{"export"}, res.List)

	nested := ResolveBytes([]byte(`{"taille":{"marché":"12"}}`), chain)
	assert.Equal(t, []any{"12"}, nested.List)

	dotted := Path("a*b.c?d")
	assert.Equal(t, `a\*b.c\?d`, dotted)
}

func TestObjectKindNeedsStructure(t *testing.T) {
	chain := Chain{Kind: KindObject, Paths: []string{"details", "analyse_detaillee"}}
	res := ResolveBytes([]byte(`{"details":"none","analyse_detaillee":{"politique":{}}}`), chain)
	require.True(t, res.Found)
	assert.Equal(t, "analyse_detaillee", res.Path)
	assert.True(t, res.Raw.IsObject())
}

func TestParseNumber(t *testing.T) {
	n, ok := ParseNumber("1,5")
	assert.True(t, ok)
	assert.Equal(t, 1.5, n)

	n, ok = ParseNumber("1.234,5")
	assert.True(t, ok)
	assert.Equal(t, 1.234, n)

	_, ok = ParseNumber("-")
	assert.False(t, ok)
}

func TestParseNumberDropsSeparatorsWithoutScaling(t *testing.T) {
	cases := map[string]float64{
		"72":     72,
		"72%":    72,
		"7,5":    7.5,
		"7/10":   710,
		"8 / 10": 810,
	}
	for in, want := range cases {
		n, ok := ParseNumber(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, n, in)
	}
}
