package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"eda-agent/config"
	"eda-agent/dataset"
	apperrors "eda-agent/errors"
	"eda-agent/llmclient"
	"eda-agent/prompts"
	"eda-agent/session"
	"eda-agent/tools"

	"go.uber.org/zap"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]llmclient.Message
}

func (m *scriptedModel) Generate(ctx context.Context, messages []llmclient.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]llmclient.Message(nil), messages...))
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "", nil
	}
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return reply, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	inits    []string
	resets   int
	executed []string
	output   string
	drawn    bool
	captured []string
	cleaned  []string
}

func (f *fakeExecutor) InitializeSession(ctx context.Context, sessionID, file string, delimiter rune) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, sessionID+"/"+file)
	return "Loaded " + file, nil
}

func (f *fakeExecutor) ResetFigures(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeExecutor) CaptureFigure(ctx context.Context, sessionID, file string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, file)
	return f.drawn, nil
}

func (f *fakeExecutor) ExecutePythonCode(ctx context.Context, text, sessionID string) (string, string, bool) {
	code := tools.ExtractCode(text)
	if code == "" {
		return "", "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, code)
	return code, f.output, true
}

func (f *fakeExecutor) CleanupSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, sessionID)
}

func testConfig() *config.Config {
	return &config.Config{
		MaxTurns:          8,
		ConsecutiveErrors: 3,
		AnswerLanguage:    "English",
		PreviewRows:       5,
	}
}

func testDataset(t *testing.T, body string) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Parse("sales.csv", strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse dataset: %v", err)
	}
	return ds
}

func newTestAgent(exec *fakeExecutor) *Agent {
	return NewAgent(testConfig(), exec, zap.NewNop())
}

func TestAskFinalAnswerWithoutCode(t *testing.T) {
	exec := &fakeExecutor{}
	model := &scriptedModel{replies: []string{"The dataset has 2 rows."}}
	a := newTestAgent(exec)

	ans, err := a.Ask(context.Background(), Request{
		SessionID:   "s1",
		Question:    "How many rows?",
		Dataset:     testDataset(t, "a,b\n1,2\n3,4\n"),
		DatasetFile: "sales.csv",
		ChartName:   "chart-1.png",
		Model:       model,
	})
	if err != nil {
		t.Fatalf("Ask returned error: %v", err)
	}
	if ans.Text != "The dataset has 2 rows." {
		t.Errorf("unexpected answer %q", ans.Text)
	}
	if ans.Steps != 1 {
		t.Errorf("expected 1 step, got %d", ans.Steps)
	}
	if ans.ChartFile != "" {
		t.Errorf("no chart expected, got %q", ans.ChartFile)
	}
	if len(exec.executed) != 0 {
		t.Errorf("nothing should be executed, got %v", exec.executed)
	}
	if exec.resets != 1 {
		t.Errorf("figures should be cleared once, got %d", exec.resets)
	}
	if len(exec.inits) != 1 || exec.inits[0] != "s1/sales.csv" {
		t.Errorf("unexpected inits %v", exec.inits)
	}

	first := model.calls[0]
	if first[0].Role != llmclient.RoleSystem || !strings.Contains(first[0].Content, "sales.csv") {
		t.Errorf("first message should be the persona, got %+v", first[0])
	}
	if !strings.Contains(first[0].Content, "Always answer in English.") {
		t.Error("persona should carry the answer language")
	}
}

func TestAskExecutesCodeAndFeedsResults(t *testing.T) {
	exec := &fakeExecutor{output: "mean    2.0", drawn: true}
	model := &scriptedModel{replies: []string{
		"Let me check.\n```python\nprint(df['a'].mean())\n```",
		"The mean of a is 2.",
	}}
	a := newTestAgent(exec)

	ans, err := a.Ask(context.Background(), Request{
		SessionID:   "s1",
		Question:    "What is the mean of a?",
		Dataset:     testDataset(t, "a,b\n1,2\n3,4\n"),
		DatasetFile: "sales.csv",
		ChartName:   "chart-42.png",
		Model:       model,
	})
	if err != nil {
		t.Fatalf("Ask returned error: %v", err)
	}
	if len(exec.executed) != 1 || exec.executed[0] != "print(df['a'].mean())" {
		t.Fatalf("unexpected executed code %v", exec.executed)
	}
	second := model.calls[1]
	last := second[len(second)-1]
	if last.Role != llmclient.RoleUser || !strings.Contains(last.Content, "<execution_results>\nmean    2.0\n</execution_results>") {
		t.Errorf("execution results not fed back: %+v", last)
	}
	prev := second[len(second)-2]
	if prev.Role != llmclient.RoleAssistant || !strings.Contains(prev.Content, "Let me check.") {
		t.Errorf("model reply should precede the results: %+v", prev)
	}
	if ans.Text != "The mean of a is 2." || ans.Steps != 2 {
		t.Errorf("unexpected answer %+v", ans)
	}
}

func TestAskReturnsChartAndStripsCode(t *testing.T) {
	exec := &fakeExecutor{output: "ok", drawn: true}
	model := &scriptedModel{replies: []string{
		"```python\ndf['a'].plot()\n```",
		"Here is the distribution of a.\n\n```sql\nSELECT 1\n```",
	}}
	a := newTestAgent(exec)

	ans, err := a.Ask(context.Background(), Request{
		SessionID:   "s1",
		Question:    "Plot a",
		Dataset:     testDataset(t, "a\n1\n2\n"),
		DatasetFile: "sales.csv",
		ChartName:   "chart-42.png",
		Model:       model,
	})
	if err != nil {
		t.Fatalf("Ask returned error: %v", err)
	}
	if ans.ChartFile != "chart-42.png" {
		t.Errorf("expected chart-42.png, got %q", ans.ChartFile)
	}
	if ans.Text != "Here is the distribution of a." {
		t.Errorf("code should be stripped from the answer, got %q", ans.Text)
	}
	if ans.Steps != 2 {
		t.Errorf("expected 2 steps, got %d", ans.Steps)
	}
	if len(exec.captured) != 1 || exec.captured[0] != "chart-42.png" {
		t.Errorf("unexpected capture calls %v", exec.captured)
	}
}

func TestAskShowsCodeWhenAsked(t *testing.T) {
	exec := &fakeExecutor{output: "3"}
	model := &scriptedModel{replies: []string{
		"```python\nprint(len(df))\n```",
		"There are 3 rows.",
	}}
	a := newTestAgent(exec)

	ans, err := a.Ask(context.Background(), Request{
		SessionID: "s1",
		Question:  "Count the rows and show me the code",
		Dataset:   testDataset(t, "a\n1\n2\n3\n"),
		Model:     model,
	})
	if err != nil {
		t.Fatalf("Ask returned error: %v", err)
	}
	if !strings.Contains(ans.Text, "```python\nprint(len(df))\n```") {
		t.Errorf("requested code missing from answer: %q", ans.Text)
	}
}

func TestAskReinjectsHistoryInOrder(t *testing.T) {
	exec := &fakeExecutor{}
	model := &scriptedModel{replies: []string{"Second answer."}}
	a := newTestAgent(exec)

	history := []session.Message{
		{Role: session.RoleUser, Content: "first question"},
		{Role: session.RoleAssistant, Content: "first answer", Chart: &session.Chart{File: "chart-1.png"}},
	}
	if _, err := a.Ask(context.Background(), Request{
		SessionID: "s1",
		Question:  "second question",
		History:   history,
		Dataset:   testDataset(t, "a\n1\n"),
		Model:     model,
	}); err != nil {
		t.Fatalf("Ask returned error: %v", err)
	}

	msgs := model.calls[0]
	if len(msgs) != 4 {
		t.Fatalf("expected persona + 2 history + question, got %d messages", len(msgs))
	}
	want := []struct{ role, prefix string }{
		{llmclient.RoleSystem, "You are a data analyst"},
		{llmclient.RoleUser, "first question"},
		{llmclient.RoleAssistant, "first answer"},
		{llmclient.RoleUser, "second question"},
	}
	for i, w := range want {
		if msgs[i].Role != w.role || !strings.HasPrefix(msgs[i].Content, w.prefix) {
			t.Errorf("message %d = %+v, want role %s prefix %q", i, msgs[i], w.role, w.prefix)
		}
	}
}

func TestAskParseErrorRecovery(t *testing.T) {
	exec := &fakeExecutor{}
	model := &scriptedModel{replies: []string{"   ", "Recovered answer."}}
	a := newTestAgent(exec)

	ans, err := a.Ask(context.Background(), Request{
		SessionID: "s1",
		Question:  "q",
		Dataset:   testDataset(t, "a\n1\n"),
		Model:     model,
	})
	if err != nil {
		t.Fatalf("Ask returned error: %v", err)
	}
	if ans.Text != "Recovered answer." {
		t.Errorf("unexpected answer %q", ans.Text)
	}
	second := model.calls[1]
	if second[len(second)-1].Content != prompts.ParseError() {
		t.Errorf("correction prompt not sent, last message %+v", second[len(second)-1])
	}
}

func TestAskStopsAfterConsecutiveErrors(t *testing.T) {
	exec := &fakeExecutor{}
	model := &scriptedModel{replies: []string{""}}
	a := newTestAgent(exec)

	_, err := a.Ask(context.Background(), Request{
		SessionID: "s1",
		Question:  "q",
		Dataset:   testDataset(t, "a\n1\n"),
		Model:     model,
	})
	if !errors.Is(err, apperrors.ErrAgentFailed) {
		t.Fatalf("expected ErrAgentFailed, got %v", err)
	}
	if len(model.calls) != 3 {
		t.Errorf("expected 3 model calls before giving up, got %d", len(model.calls))
	}
}

func TestAskStopsAtMaxTurns(t *testing.T) {
	exec := &fakeExecutor{output: "1"}
	model := &scriptedModel{replies: []string{"```python\nprint(1)\n```"}}
	a := newTestAgent(exec)

	_, err := a.Ask(context.Background(), Request{
		SessionID: "s1",
		Question:  "q",
		Dataset:   testDataset(t, "a\n1\n"),
		Model:     model,
	})
	if !errors.Is(err, apperrors.ErrAgentFailed) {
		t.Fatalf("expected ErrAgentFailed, got %v", err)
	}
	if len(model.calls) != 8 {
		t.Errorf("expected 8 model calls, got %d", len(model.calls))
	}
}

func TestAskExecutionErrorsCount(t *testing.T) {
	exec := &fakeExecutor{output: "Traceback (most recent call last):\nKeyError: 'x'"}
	model := &scriptedModel{replies: []string{"```python\nprint(df['x'])\n```"}}
	a := newTestAgent(exec)

	_, err := a.Ask(context.Background(), Request{
		SessionID: "s1",
		Question:  "q",
		Dataset:   testDataset(t, "a\n1\n"),
		Model:     model,
	})
	if !errors.Is(err, apperrors.ErrAgentFailed) {
		t.Fatalf("expected ErrAgentFailed, got %v", err)
	}
	if len(exec.executed) != 3 {
		t.Errorf("expected 3 failing executions, got %d", len(exec.executed))
	}
}

func TestAskModelError(t *testing.T) {
	a := newTestAgent(&fakeExecutor{})
	_, err := a.Ask(context.Background(), Request{
		SessionID: "s1",
		Question:  "q",
		Dataset:   testDataset(t, "a\n1\n"),
		Model:     &scriptedModel{err: errors.New("quota exceeded")},
	})
	if !errors.Is(err, apperrors.ErrLLMCommunication) {
		t.Fatalf("expected ErrLLMCommunication, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("cause should be kept: %v", err)
	}
}

func TestAskValidation(t *testing.T) {
	a := newTestAgent(&fakeExecutor{})
	ds := testDataset(t, "a\n1\n")
	model := &scriptedModel{replies: []string{"x"}}

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no dataset", Request{SessionID: "s", Question: "q", Model: model}, apperrors.ErrNoDataset},
		{"no model", Request{SessionID: "s", Question: "q", Dataset: ds}, apperrors.ErrMissingCredential},
		{"blank question", Request{SessionID: "s", Question: "  ", Dataset: ds, Model: model}, apperrors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Ask(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInitializeSessionOncePerDataset(t *testing.T) {
	exec := &fakeExecutor{}
	a := newTestAgent(exec)
	ctx := context.Background()
	first := testDataset(t, "a\n1\n")
	second := testDataset(t, "a\n2\n")

	for i := 0; i < 3; i++ {
		if err := a.InitializeSession(ctx, "s1", first, "sales.csv"); err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	if len(exec.inits) != 1 {
		t.Fatalf("same dataset should load once, got %d loads", len(exec.inits))
	}

	if err := a.InitializeSession(ctx, "s1", second, "sales.csv"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(exec.inits) != 2 {
		t.Fatalf("new dataset should reload, got %d loads", len(exec.inits))
	}

	a.CleanupSession("s1")
	if len(exec.cleaned) != 1 || exec.cleaned[0] != "s1" {
		t.Errorf("executor cleanup not forwarded: %v", exec.cleaned)
	}
	if err := a.InitializeSession(ctx, "s1", second, "sales.csv"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(exec.inits) != 3 {
		t.Errorf("cleanup should force a reload, got %d loads", len(exec.inits))
	}
}

func TestFormatResults(t *testing.T) {
	if got := FormatResults("  "); !strings.Contains(got, "no output") {
		t.Errorf("empty output should be explained, got %q", got)
	}
	long := strings.Repeat("x", maxResultChars+10)
	if got := FormatResults(long); !strings.Contains(got, "10 characters omitted") {
		t.Errorf("long output should be truncated, got suffix %q", got[len(got)-60:])
	}
}

func TestWantsCode(t *testing.T) {
	tests := []struct {
		q    string
		want bool
	}{
		{"show me the code", true},
		{"Mostre o código usado", true},
		{"what is the average?", false},
		{"encode the column", false},
	}
	for _, tt := range tests {
		if got := WantsCode(tt.q); got != tt.want {
			t.Errorf("WantsCode(%q) = %v, want %v", tt.q, got, tt.want)
		}
	}
}
