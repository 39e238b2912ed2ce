package alias

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

type Kind string

const (
	KindScalar  Kind = "scalar"
	KindList    Kind = "list"
	KindNumeric Kind = "numeric"
	// KindObject matches objects and arrays; callers walk the raw result.
	KindObject Kind = "object"
)

const (
	ReasonAbsent      = "absent"
	ReasonUnparseable = "unparseable"
)

// Chain is an ordered list of dot-separated key paths. The first path that
// yields a present, non-null value wins.
type Chain struct {
	Kind  Kind
	Paths []string
}

type Result struct {
	Path      string
	Found     bool
	Defaulted bool
	Reason    string

	Text   string
	Number float64
	List   []any
	Raw    gjson.Result
}

var (
	nonNumeric    = regexp.MustCompile(`[^\d,.\-]`)
	numericPrefix = regexp.MustCompile(`^-?(\d+\.?\d*|\.\d+)`)
)

func ResolveBytes(raw []byte, c Chain) Result {
	return Resolve(gjson.ParseBytes(raw), c)
}

func Resolve(root gjson.Result, c Chain) Result {
	for _, p := range c.Paths {
		v := root.Get(Path(p))
		if !present(v, c.Kind) {
			continue
		}
		res := coerce(v, c.Kind)
		res.Path = p
		res.Found = true
		return res
	}
	return Result{Defaulted: true, Reason: ReasonAbsent}
}

// Path turns a dot-separated key path into a gjson path whose segments are
// matched literally.
func Path(p string) string {
	segs := strings.Split(p, ".")
	for i, s := range segs {
		segs[i] = escapeSegment(s)
	}
	return strings.Join(segs, ".")
}

func escapeSegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x80 && !isPlain(c) {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isPlain(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func present(v gjson.Result, kind Kind) bool {
	if !v.Exists() || v.Type == gjson.Null {
		return false
	}
	if v.Type == gjson.String && strings.TrimSpace(v.Str) == "" {
		return false
	}
	if kind == KindObject {
		return v.IsObject() || v.IsArray()
	}
	return true
}

func coerce(v gjson.Result, kind Kind) Result {
	switch kind {
	case KindList:
		return Result{List: toList(v)}
	case KindNumeric:
		n, ok := toNumber(v)
		if !ok {
			return Result{Defaulted: true, Reason: ReasonUnparseable}
		}
		return Result{Number: n}
	case KindObject:
		return Result{Raw: v}
	default:
		return Result{Text: toText(v)}
	}
}

func toList(v gjson.Result) []any {
	if !v.IsArray() {
		return []any{v.Value()}
	}
	items := v.Array()
	if len(items) == 0 {
		return nil
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, it.Value())
	}
	return out
}

// Number coerces a single raw value with the numeric rules used by chains.
func Number(v gjson.Result) (float64, bool) {
	return toNumber(v)
}

func toNumber(v gjson.Result) (float64, bool) {
	switch {
	case v.Type == gjson.Number:
		return v.Num, true
	case v.Type == gjson.String:
		return ParseNumber(v.Str)
	case v.IsArray():
		items := v.Array()
		if len(items) == 1 {
			return toNumber(items[0])
		}
	case v.IsObject():
		for _, k := range []string{"score", "value", "valeur"} {
			if inner := v.Get(k); inner.Exists() && !inner.IsObject() {
				return toNumber(inner)
			}
		}
	}
	return 0, false
}

// Text coerces a single raw value with the scalar rules used by chains.
func Text(v gjson.Result) string {
	return toText(v)
}

func toText(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number, gjson.True, gjson.False:
		return v.Raw
	}
	if v.IsArray() {
		if items := v.Array(); len(items) == 1 {
			return toText(items[0])
		}
	}
	blob, err := json.Marshal(v.Value())
	if err != nil {
		return v.Raw
	}
	return string(blob)
}

// ParseNumber extracts a number from free text such as "12,5 %" or "€ 3.2bn".
// Everything but digits, commas, points and minus signs is dropped, the first
// comma is read as a decimal point, and the longest numeric prefix is parsed.
// Ratios are not scaled: "7/10" loses its slash and reads as 710.
func ParseNumber(s string) (float64, bool) {
	cleaned := nonNumeric.ReplaceAllString(s, "")
	cleaned = strings.Replace(cleaned, ",", ".", 1)
	m := numericPrefix.FindString(cleaned)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
