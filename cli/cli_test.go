package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"eda-agent/session"
	"eda-agent/web/services"
)

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "ask"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (got %v, err %v)", name, cmd, err)
		}
	}
	if askCmd.Flags().Lookup("file") == nil {
		t.Error("ask is missing the --file flag")
	}
	if serveCmd.Flags().Lookup("port") == nil {
		t.Error("serve is missing the --port flag")
	}
}

func TestAskArgs(t *testing.T) {
	if err := askCmd.Args(askCmd, nil); err == nil {
		t.Error("expected an error without a question")
	}
	if err := askCmd.Args(askCmd, []string{"a", "b"}); err == nil {
		t.Error("expected an error with two questions")
	}
	if err := askCmd.Args(askCmd, []string{"How many rows?"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWriteAnswer(t *testing.T) {
	workspace := filepath.Join("workspaces", "abc")

	tests := []struct {
		name      string
		assistant session.Message
		want      []string
		notWant   string
		wantErr   bool
	}{
		{
			name:      "plain answer",
			assistant: session.Message{Content: "The file has 3 rows.\n"},
			want:      []string{"The file has 3 rows."},
			notWant:   "Chart:",
		},
		{
			name: "answer with chart",
			assistant: session.Message{
				Content: "Here is the histogram.",
				Chart:   &session.Chart{File: "chart-1.png"},
			},
			want: []string{"Here is the histogram.", "Chart: " + filepath.Join(workspace, "chart-1.png")},
		},
		{
			name:      "failed analysis",
			assistant: session.Message{Content: services.AnalysisErrorPrefix + "agent failed"},
			want:      []string{services.AnalysisErrorPrefix},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := writeAnswer(&buf, &services.Exchange{Assistant: tt.assistant}, workspace)
			if (err != nil) != tt.wantErr {
				t.Fatalf("writeAnswer() error = %v, wantErr %v", err, tt.wantErr)
			}
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q does not contain %q", out, w)
				}
			}
			if tt.notWant != "" && strings.Contains(out, tt.notWant) {
				t.Errorf("output %q should not contain %q", out, tt.notWant)
			}
		})
	}
}
