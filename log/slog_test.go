package log

import (
	"testing"
)

func TestInitLoggerValidation(t *testing.T) {
	cases := []struct {
		name   string
		level  string
		format string
		output string
		wantOK bool
	}{
		{"text to stderr", "INFO", "text", "stderr", true},
		{"json to stdout", "DEBUG", "json", "stdout", true},
		{"unknown level", "verbose", "text", "stderr", false},
		{"lower-case level", "info", "text", "stderr", false},
		{"unknown format", "INFO", "logfmt", "stderr", false},
		{"unknown output", "INFO", "text", "/var/log/relayer.log", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := InitLogger(tc.level, tc.format, tc.output, "")
			if tc.wantOK && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestGetLoggerAfterInit(t *testing.T) {
	if err := InitLogger("INFO", "json", "stderr", ""); err != nil {
		t.Fatal(err)
	}
	logger := GetLogger()
	if logger == nil {
		t.Fatal("no global logger")
	}
	if logger.WithChannel("xbd", "inbox", "source", "xrpl") == nil {
		t.Fatal("no channel logger")
	}
	if logger.WithHandler("paymentTx") == nil {
		t.Fatal("no handler logger")
	}
}
