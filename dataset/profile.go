package dataset

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Column kinds reported by Profile.
const (
	KindNumeric     = "numeric"
	KindDatetime    = "datetime"
	KindBoolean     = "boolean"
	KindCategorical = "categorical"
	KindText        = "text"
	KindEmpty       = "empty"
)

const topValuesLimit = 3

// values pandas treats as missing by default
var missingMarkers = map[string]struct{}{
	"": {}, "na": {}, "n/a": {}, "nan": {}, "null": {}, "none": {}, "#n/a": {}, "<na>": {}, "-nan": {},
}

var dateLayouts = []string{
	time.RFC3339, "2006-01-02", "2006/01/02", "02/01/2006", "01/02/2006",
	"2006-01-02 15:04", "2006-01-02 15:04:05", "1/2/2006 15:04", "1/2/2006 15:04:05",
}

// Profile summarises every column of a dataset.
type Profile struct {
	Rows    int
	Columns []ColumnProfile
}

// ColumnProfile captures inferred type and statistics per column.
type ColumnProfile struct {
	Name    string
	Kind    string
	NonNull int
	Missing int
	Unique  int
	// Numeric stats, set only for numeric columns
	Min  float64
	Max  float64
	Mean float64
	Std  float64
	// Most frequent values for non-numeric columns
	TopValues []ValueCount
}

type ValueCount struct {
	Value string
	Count int
}

type columnAcc struct {
	nonNull int
	missing int
	// numeric stats via Welford
	n       int
	mean    float64
	m2      float64
	min     float64
	max     float64
	dtCnt   int
	boolCnt int
	counts  map[string]int
}

func buildProfile(columns []string, rows [][]string) Profile {
	accs := make([]*columnAcc, len(columns))
	for i := range accs {
		accs[i] = &columnAcc{min: math.Inf(1), max: math.Inf(-1), counts: make(map[string]int)}
	}

	for _, row := range rows {
		for j, acc := range accs {
			v := strings.TrimSpace(row[j])
			if isMissing(v) {
				acc.missing++
				continue
			}
			acc.nonNull++
			acc.counts[v]++
			if x, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(x) {
				acc.n++
				if x < acc.min {
					acc.min = x
				}
				if x > acc.max {
					acc.max = x
				}
				delta := x - acc.mean
				acc.mean += delta / float64(acc.n)
				acc.m2 += delta * (x - acc.mean)
				continue
			}
			if isBool(v) {
				acc.boolCnt++
				continue
			}
			if isDate(v) {
				acc.dtCnt++
			}
		}
	}

	p := Profile{Rows: len(rows), Columns: make([]ColumnProfile, len(columns))}
	for j, acc := range accs {
		cp := ColumnProfile{
			Name:    columns[j],
			NonNull: acc.nonNull,
			Missing: acc.missing,
			Unique:  len(acc.counts),
		}
		switch {
		case acc.nonNull == 0:
			cp.Kind = KindEmpty
		case acc.n == acc.nonNull:
			cp.Kind = KindNumeric
			cp.Min, cp.Max, cp.Mean = acc.min, acc.max, acc.mean
			if acc.n > 1 {
				// sample standard deviation, as pandas reports it
				cp.Std = math.Sqrt(acc.m2 / float64(acc.n-1))
			}
		case acc.boolCnt == acc.nonNull:
			cp.Kind = KindBoolean
		case acc.dtCnt == acc.nonNull:
			cp.Kind = KindDatetime
		case cp.Unique <= 20 || cp.Unique*2 <= acc.nonNull:
			cp.Kind = KindCategorical
		default:
			cp.Kind = KindText
		}
		if cp.Kind != KindNumeric && cp.Kind != KindEmpty {
			cp.TopValues = topValues(acc.counts, topValuesLimit)
		}
		p.Columns[j] = cp
	}
	return p
}

func isMissing(v string) bool {
	_, ok := missingMarkers[strings.ToLower(v)]
	return ok
}

func isBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false":
		return true
	}
	return false
}

func isDate(v string) bool {
	for _, l := range dateLayouts {
		if _, err := time.Parse(l, v); err == nil {
			return true
		}
	}
	return false
}

func topValues(counts map[string]int, limit int) []ValueCount {
	out := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (p Profile) clone() Profile {
	out := Profile{Rows: p.Rows, Columns: make([]ColumnProfile, len(p.Columns))}
	for i, c := range p.Columns {
		c.TopValues = append([]ValueCount(nil), c.TopValues...)
		out.Columns[i] = c
	}
	return out
}

// Column returns the profile of the named column.
func (p Profile) Column(name string) (ColumnProfile, bool) {
	for _, c := range p.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnProfile{}, false
}

// Markdown renders a compact schema table suitable for prompts.
func (p Profile) Markdown() string {
	var b strings.Builder
	b.WriteString("| column | kind | non-null | missing | unique | summary |\n")
	b.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	for _, c := range p.Columns {
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %s |\n",
			cell(c.Name), c.Kind, c.NonNull, c.Missing, c.Unique, cell(c.summary()))
	}
	return b.String()
}

func (c ColumnProfile) summary() string {
	if c.Kind == KindNumeric {
		return fmt.Sprintf("min=%s max=%s mean=%s std=%s",
			formatFloat(c.Min), formatFloat(c.Max), formatFloat(c.Mean), formatFloat(c.Std))
	}
	if len(c.TopValues) == 0 {
		return ""
	}
	parts := make([]string, len(c.TopValues))
	for i, tv := range c.TopValues {
		parts[i] = fmt.Sprintf("%s (%d)", tv.Value, tv.Count)
	}
	return "top: " + strings.Join(parts, ", ")
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', 6, 64)
}
