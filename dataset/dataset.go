package dataset

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	apperrors "eda-agent/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// candidate delimiters, in tie-break order
var delimiters = []rune{',', ';', '\t', '|'}

// Dataset is a parsed CSV file. It is never modified after Parse returns;
// accessors hand out copies.
type Dataset struct {
	name        string
	delimiter   rune
	columns     []string
	rows        [][]string
	raw         []byte
	fingerprint string
	profile     Profile
}

// Parse reads a whole CSV document. The first record is the header.
// Every failure wraps errors.ErrInvalidCSV.
func Parse(name string, r io.Reader) (*Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, invalid("read %s: %v", name, err)
	}
	return parseBytes(name, raw)
}

func parseBytes(name string, raw []byte) (*Dataset, error) {
	sum := sha256.Sum256(raw)
	body := bytes.TrimPrefix(raw, utf8BOM)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, invalid("no columns to parse from file")
	}
	if !utf8.Valid(body) {
		return nil, invalid("file is not valid UTF-8 text")
	}

	delim := sniffDelimiter(body)
	columns, rows, err := readRecords(body, delim, false)
	var perr *csv.ParseError
	if errors.As(err, &perr) && errors.Is(perr.Err, csv.ErrBareQuote) {
		// A stray quote inside an unquoted field is kept as a literal.
		columns, rows, err = readRecords(body, delim, true)
	}
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		name:        name,
		delimiter:   delim,
		columns:     columns,
		rows:        rows,
		raw:         raw,
		fingerprint: hex.EncodeToString(sum[:]),
	}
	ds.profile = buildProfile(ds.columns, ds.rows)
	return ds, nil
}

func readRecords(body []byte, delim rune, lazyQuotes bool) ([]string, [][]string, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = lazyQuotes

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, invalid("no columns to parse from file")
		}
		return nil, nil, invalidErr(err)
	}
	columns := normalizeHeader(header)

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, invalidErr(err)
		}
		if isBlankRecord(record) {
			continue
		}
		if len(record) > len(columns) {
			line, _ := reader.FieldPos(0)
			return nil, nil, invalid("line %d: expected %d fields, saw %d", line, len(columns), len(record))
		}
		row := make([]string, len(columns))
		copy(row, record)
		rows = append(rows, row)
	}
	return columns, rows, nil
}

func invalidErr(err error) error {
	return fmt.Errorf("%w: %w", err, apperrors.ErrInvalidCSV)
}

func invalid(format string, args ...interface{}) error {
	return apperrors.WrapErrorf(apperrors.ErrInvalidCSV, format, args...)
}

// sniffDelimiter picks the candidate that splits the header line into the
// most fields outside of quotes. Comma wins ties.
func sniffDelimiter(body []byte) rune {
	line := body
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		line = body[:i]
	}
	counts := make(map[rune]int, len(delimiters))
	inQuotes := false
	for _, r := range string(line) {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if counts[d] > bestCount {
			best, bestCount = d, counts[d]
		}
	}
	return best
}

// normalizeHeader names blank columns "Unnamed: i" and de-duplicates repeats
// as name.1, name.2 and so on.
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	used := make(map[string]bool, len(header))
	suffix := make(map[string]int)
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = "Unnamed: " + strconv.Itoa(i)
		}
		if used[name] {
			base := name
			n := suffix[base]
			for {
				n++
				name = fmt.Sprintf("%s.%d", base, n)
				if !used[name] {
					break
				}
			}
			suffix[base] = n
		}
		used[name] = true
		out[i] = name
	}
	return out
}

// isBlankRecord reports a whitespace-only line. Lines made of delimiters
// are rows of missing values and are kept.
func isBlankRecord(record []string) bool {
	return len(record) == 1 && strings.TrimSpace(record[0]) == ""
}

func (d *Dataset) Name() string { return d.name }

// Delimiter is the field separator detected while parsing.
func (d *Dataset) Delimiter() rune { return d.delimiter }

func (d *Dataset) NumRows() int { return len(d.rows) }

func (d *Dataset) NumColumns() int { return len(d.columns) }

// Fingerprint is the hex sha256 of the uploaded bytes.
func (d *Dataset) Fingerprint() string { return d.fingerprint }

func (d *Dataset) Columns() []string {
	out := make([]string, len(d.columns))
	copy(out, d.columns)
	return out
}

// Row returns a copy of row i, or nil when i is out of range.
func (d *Dataset) Row(i int) []string {
	if i < 0 || i >= len(d.rows) {
		return nil
	}
	out := make([]string, len(d.rows[i]))
	copy(out, d.rows[i])
	return out
}

func (d *Dataset) Profile() Profile { return d.profile.clone() }

// Size is the length of the uploaded file in bytes.
func (d *Dataset) Size() int { return len(d.raw) }

// WriteTo writes the original file contents to w.
func (d *Dataset) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(d.raw)
	return int64(n), err
}

// Head returns the first n rows as a table.
func (d *Dataset) Head(n int) Table {
	if n < 0 {
		n = 0
	}
	if n > len(d.rows) {
		n = len(d.rows)
	}
	rows := make([][]string, n)
	for i := 0; i < n; i++ {
		rows[i] = d.Row(i)
	}
	return Table{Columns: d.Columns(), Rows: rows, TotalRows: len(d.rows)}
}

// Table is a rectangular slice of a dataset used for previews.
type Table struct {
	Columns   []string
	Rows      [][]string
	TotalRows int
}

// Markdown renders the table as a GitHub style pipe table.
func (t Table) Markdown() string {
	if len(t.Columns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("| ")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(cell(c))
	}
	b.WriteString(" |\n|")
	for range t.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range t.Rows {
		b.WriteString("| ")
		for i := range t.Columns {
			if i > 0 {
				b.WriteString(" | ")
			}
			if i < len(row) {
				b.WriteString(cell(row[i]))
			}
		}
		b.WriteString(" |\n")
	}
	return b.String()
}

func cell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(s), "\n", " "), "|", "/")
}
