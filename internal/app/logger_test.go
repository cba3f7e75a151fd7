package app

import (
	"log/slog"
	"testing"
)

func TestNewLoggerFormatSelection(t *testing.T) {
	if _, ok := NewLogger(&Config{LogFormat: "json"}).Handler().(*slog.JSONHandler); !ok {
		t.Fatalf("json format should use the JSON handler")
	}
	if _, ok := NewLogger(&Config{LogFormat: "text"}).Handler().(*slog.TextHandler); !ok {
		t.Fatalf("text format should use the text handler")
	}
	if _, ok := NewLogger(nil).Handler().(*slog.TextHandler); !ok {
		t.Fatalf("nil config should default to the text handler")
	}
}
