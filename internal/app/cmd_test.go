package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"empty defaults to serve", []string{}, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"unknown defaults to serve", []string{"unknown"}, CommandServe},
		{"extra args ignored", []string{"worker", "--flag", "value"}, CommandWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseMigrateAction(t *testing.T) {
	tests := []struct {
		args   []string
		want   MigrateAction
		wantOK bool
	}{
		{[]string{"migrate"}, MigrateUp, true},
		{[]string{"migrate", "up"}, MigrateUp, true},
		{[]string{"migrate", "down"}, MigrateDown, true},
		{[]string{"migrate", "version"}, MigrateVersion, true},
		{[]string{"migrate", "drop"}, "", false},
	}

	for _, tt := range tests {
		got, ok := ParseMigrateAction(tt.args)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseMigrateAction(%v) = (%q, %v), want (%q, %v)", tt.args, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestHasFlag(t *testing.T) {
	if !hasFlag([]string{"healthcheck", "--upstream"}, upstreamFlag) {
		t.Error("hasFlag should find --upstream after the subcommand")
	}
	if hasFlag([]string{"healthcheck"}, upstreamFlag) {
		t.Error("hasFlag should be false without flags")
	}
	// サブコマンド位置の値はフラグとみなさない
	if hasFlag([]string{"--upstream"}, upstreamFlag) {
		t.Error("hasFlag should ignore the subcommand position")
	}
}
