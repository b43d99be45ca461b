package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"payouts", "build"},
		{"reconcile", "payments"},
		{"reconcile", "refunds"},
		{"revenue-share", "list"},
		{"rs", "clone"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		if cmd.Name() != path[len(path)-1] {
			t.Fatalf("find %v resolved to %q", path, cmd.Name())
		}
	}
}

func TestArgumentValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "down needs positive steps", args: []string{"migrate", "down", "--steps", "0"}, wantErr: "--steps must be positive"},
		{name: "clone requires flags", args: []string{"revenue-share", "clone", "6f1c3a52-8d1e-4f7b-9a0c-2b3d4e5f6a70"}, wantErr: "required flag"},
		{name: "clone rejects bad id", args: []string{"revenue-share", "clone", "nope", "--percentage", "85", "--from", "2024-06-01"}, wantErr: "invalid config id"},
		{
			name:    "clone rejects bad date",
			args:    []string{"revenue-share", "clone", "6f1c3a52-8d1e-4f7b-9a0c-2b3d4e5f6a70", "--percentage", "85", "--from", "06/01/2024"},
			wantErr: "invalid --from",
		},
		{name: "list rejects bad category", args: []string{"revenue-share", "list", "--category", "math"}, wantErr: "invalid --category"},
		{name: "build takes one period", args: []string{"payouts", "build", "2024-05", "2024-06"}, wantErr: "accepts at most 1 arg"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			root := newRootCmd()
			var out bytes.Buffer
			root.SetOut(&out)
			root.SetErr(&out)
			root.SetArgs(tc.args)

			err := root.Execute()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPrintJSON(t *testing.T) {
	var out bytes.Buffer
	if err := printJSON(&out, map[string]int{"checked": 2}); err != nil {
		t.Fatalf("printJSON: %v", err)
	}
	if out.String() != "{\n  \"checked\": 2\n}\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
