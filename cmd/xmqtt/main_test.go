package main

import (
	"testing"
)

func TestRootCmdFlagDefaults(t *testing.T) {
	cmd := newRootCmd()

	tests := []struct {
		flag  string
		short string
		want  string
	}{
		{"ip", "i", "127.0.0.1"},
		{"port", "p", "1883"},
		{"threads", "n", "3"},
		{"log-level", "", "info"},
	}

	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			f := cmd.Flags().Lookup(tt.flag)
			if f == nil {
				t.Fatalf("flag --%s not registered", tt.flag)
			}
			if f.DefValue != tt.want {
				t.Errorf("--%s default = %q, want %q", tt.flag, f.DefValue, tt.want)
			}
			if tt.short != "" && f.Shorthand != tt.short {
				t.Errorf("--%s shorthand = %q, want %q", tt.flag, f.Shorthand, tt.short)
			}
		})
	}
}

func TestRootCmdRejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"unexpected"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for positional arguments, got nil")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("", "debug"); err != nil {
		t.Errorf("newLogger(debug) error: %v", err)
	}
	if _, err := newLogger("", "nonsense"); err == nil {
		t.Error("expected an error for an unknown log level, got nil")
	}
}
