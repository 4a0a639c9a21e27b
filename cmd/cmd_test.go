package cmd

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

type exprContext struct {
	branch  string
	changed []string
}

func (c exprContext) Branch() string               { return c.branch }
func (c exprContext) ChangedFiles() []string       { return c.changed }
func (c exprContext) Param(string) (string, bool)  { return "", false }
func (c exprContext) Getenv(string) (string, bool) { return "", false }

func TestBuiltinExpressions(t *testing.T) {
	t.Parallel()

	reg := builtinExpressions()
	tests := []struct {
		name string
		expr string
		ctx  exprContext
		want bool
	}{
		{"changes present", "has_changes", exprContext{changed: []string{"a.go"}}, true},
		{"no changes", "has_changes", exprContext{}, false},
		{"main is default", "is_default_branch", exprContext{branch: "main"}, true},
		{"master is default", "is_default_branch", exprContext{branch: "master"}, true},
		{"feature is not default", "is_default_branch", exprContext{branch: "feature/x"}, false},
		{"release branch", "is_release_branch", exprContext{branch: "release/1.2"}, true},
		{"nested release is not", "is_release_branch", exprContext{branch: "release/1.2/hotfix"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fn, ok := reg[tt.expr]
			if !ok {
				t.Fatalf("expression %q not registered", tt.expr)
			}
			if got := fn(tt.ctx); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    map[string]string
		wantErr bool
	}{
		{"none", nil, map[string]string{}, false},
		{"pairs", []string{"-p", "DEPLOY=true", "--param", "TARGET=prod"}, map[string]string{"DEPLOY": "true", "TARGET": "prod"}, false},
		{"empty value", []string{"-p", "NOTE="}, map[string]string{"NOTE": ""}, false},
		{"value with equals", []string{"-p", "EXPR=a=b"}, map[string]string{"EXPR": "a=b"}, false},
		{"missing equals", []string{"-p", "DEPLOY"}, nil, true},
		{"missing name", []string{"-p", "=x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &cobra.Command{Use: "t"}
			c.Flags().StringArrayP("param", "p", nil, "")
			if err := c.Flags().Parse(tt.args); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			got, err := parseParams(c)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseParams() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseParams: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseParams() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("param %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestPrintEventFilters(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"ts":"2026-01-02T10:00:00Z","kind":"run_start","run":"abcdef123456","data":{"pipeline":"ci"}}`,
		`{"ts":"2026-01-02T10:00:01Z","kind":"stage_state","run":"abcdef123456","stage":"Build","data":{"status":"Running"}}`,
		`{"ts":"2026-01-02T10:00:02Z","kind":"stage_state","run":"zzz999","stage":"Build","data":{"status":"Success"}}`,
		`not json`,
	}

	tests := []struct {
		name   string
		filter eventFilter
		want   []string
		absent []string
	}{
		{
			name: "all",
			want: []string{"run_start run=abcdef12 pipeline=ci", "stage=Build status=Success", "??? not json"},
		},
		{
			name:   "by run prefix",
			filter: eventFilter{run: "abc"},
			want:   []string{"run_start", "status=Running"},
			absent: []string{"status=Success"},
		},
		{
			name:   "by kind",
			filter: eventFilter{kind: "stage_state"},
			want:   []string{"status=Running", "status=Success"},
			absent: []string{"run_start"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			for _, l := range lines {
				printEvent(&buf, l, tt.filter)
			}
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(out, a) {
					t.Errorf("output unexpectedly contains %q:\n%s", a, out)
				}
			}
		})
	}
}

func TestFormatDataMapSorted(t *testing.T) {
	t.Parallel()
	got := formatDataMap(map[string]any{"b": 2, "a": "x", "c": true})
	if want := "a=x b=2 c=true"; got != want {
		t.Errorf("formatDataMap() = %q, want %q", got, want)
	}
}

func TestLineTailHoldsPartialLine(t *testing.T) {
	t.Parallel()

	first := `{"ts":"2026-01-02T10:00:00Z","kind":"run_start","run":"r1"}`
	second := `{"ts":"2026-01-02T10:00:01Z","kind":"run_done","run":"r1","data":{"status":"Success"}}`

	var src, out bytes.Buffer
	src.WriteString(first + "\n" + second[:20])
	tail := &lineTail{r: bufio.NewReader(&src)}

	if err := tail.drain(&out, eventFilter{}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "run_start") || strings.Contains(got, "???") {
		t.Fatalf("after first drain = %q, want only the complete line", got)
	}

	src.WriteString(second[20:] + "\n")
	if err := tail.drain(&out, eventFilter{}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "???") || !strings.Contains(got, "run_done run=r1 status=Success") {
		t.Errorf("output = %q, want the completed second event", got)
	}
}

func TestLineTailFlushPrintsUnterminatedLine(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	tail := &lineTail{r: bufio.NewReader(strings.NewReader(`{"kind":"run_done","run":"r1"}`))}
	if err := tail.drain(&out, eventFilter{}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("drain printed %q before the line was terminated", out.String())
	}
	tail.flush(&out, eventFilter{})
	if !strings.Contains(out.String(), "run_done run=r1") {
		t.Errorf("flush output = %q", out.String())
	}
}
