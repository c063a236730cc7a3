package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"strconv"
	"text/template"
)

// Embedded prompt files

//go:embed agent_persona.tmpl
var agentPersona string

//go:embed parse_error.txt
var parseError string

//go:embed session_init.py.tmpl
var sessionInit string

//go:embed figure_reset.py
var figureReset string

//go:embed figure_capture.py.tmpl
var figureCapture string

// ChartSavedMarker is printed by the figure capture snippet when a chart file was written.
const ChartSavedMarker = "CHART_SAVED"

var (
	personaTmpl = template.Must(template.New("persona").Parse(agentPersona))
	initTmpl    = template.Must(template.New("init").Parse(sessionInit))
	captureTmpl = template.Must(template.New("capture").Parse(figureCapture))
)

// Persona describes the dataset the agent is working on.
type Persona struct {
	Language    string
	DatasetName string
	Rows        int
	Columns     int
	Profile     string
	Head        string
}

func ParseError() string  { return parseError }
func FigureReset() string { return figureReset }

// AgentPersona renders the system prompt for one dataset.
func AgentPersona(p Persona) (string, error) {
	if p.Language == "" {
		p.Language = "Portuguese"
	}
	return render(personaTmpl, p)
}

// SessionInit renders the code that loads the uploaded file into `df`.
// workspace is the executor-side directory holding file; empty means the
// executor's working directory, which is the session workspace.
func SessionInit(workspace, file string, delimiter rune) (string, error) {
	return render(initTmpl, map[string]string{
		"Workspace": pyPath(workspace),
		"File":      pyString(file),
		"Delimiter": pyString(string(delimiter)),
	})
}

// FigureCapture renders the code that saves the current figure to file
// inside workspace, printing ChartSavedMarker only if something was drawn.
func FigureCapture(workspace, file string) (string, error) {
	return render(captureTmpl, map[string]string{
		"Workspace": pyPath(workspace),
		"File":      pyString(file),
		"Marker":    pyString(ChartSavedMarker),
	})
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// pyString quotes s as a Python string literal. Go's quoting rules for
// printable text and the common escapes are accepted by Python as-is.
func pyString(s string) string {
	return strconv.Quote(s)
}

func pyPath(dir string) string {
	if dir == "" {
		return "os.getcwd()"
	}
	return pyString(dir)
}
