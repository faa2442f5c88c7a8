package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestSeverityToLevel(t *testing.T) {
	tcs := []struct {
		name string
		in   string
		want slog.Level
	}{
		{name: "debug", in: "Debug", want: slog.LevelDebug},
		{name: "info", in: "Info", want: slog.LevelInfo},
		{name: "warn", in: "Warn", want: slog.LevelWarn},
		{name: "error", in: "Error", want: slog.LevelError},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := severityToLevel(tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if got != tc.want {
				t.Fatalf("incorrect level: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSeverityToLevelError(t *testing.T) {
	if _, err := severityToLevel("fail"); err == nil {
		t.Fatal("expected error on invalid level")
	}
}

func runLogger(logger Logger, logMsg string) {
	switch logMsg {
	case "info":
		logger.Info("log info")
	case "debug":
		logger.Debug("log debug")
	case "warn":
		logger.Warn("log warn")
	case "error":
		logger.Error("log error")
	}
}

func TestStdLoggerLevelFiltering(t *testing.T) {
	tcs := []struct {
		name        string
		logLevel    string
		logMsg      string
		wantOutHas  bool
		wantErrHas  bool
	}{
		{name: "debug logger logging debug", logLevel: "debug", logMsg: "debug", wantOutHas: true},
		{name: "info logger logging debug", logLevel: "info", logMsg: "debug", wantOutHas: false},
		{name: "debug logger logging info", logLevel: "debug", logMsg: "info", wantOutHas: true},
		{name: "warn logger logging info", logLevel: "warn", logMsg: "info", wantOutHas: false},
		{name: "info logger logging warn", logLevel: "info", logMsg: "warn", wantErrHas: true},
		{name: "error logger logging warn", logLevel: "error", logMsg: "warn", wantErrHas: false},
		{name: "warn logger logging error", logLevel: "warn", logMsg: "error", wantErrHas: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			outW := new(bytes.Buffer)
			errW := new(bytes.Buffer)

			logger, err := NewStdLogger(outW, errW, tc.logLevel)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			runLogger(logger, tc.logMsg)

			if got := outW.Len() > 0; got != tc.wantOutHas {
				t.Fatalf("out stream: got written=%v, want %v (content %q)", got, tc.wantOutHas, outW.String())
			}
			if got := errW.Len() > 0; got != tc.wantErrHas {
				t.Fatalf("err stream: got written=%v, want %v (content %q)", got, tc.wantErrHas, errW.String())
			}
		})
	}
}

func TestStructuredLoggerEmitsJSONLines(t *testing.T) {
	outW := new(bytes.Buffer)
	errW := new(bytes.Buffer)

	logger, err := NewStructuredLogger(outW, errW, "debug", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	logger.InfoContext(context.Background(), "hello")

	if !strings.Contains(outW.String(), `"msg":"hello"`) {
		t.Fatalf("expected JSON line with msg field, got %q", outW.String())
	}
}
