package logzap_test

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	corelog "github.com/nodeq/qdisc/log"
	"github.com/nodeq/qdisc/logzap"
)

func TestSinkRoutesEventKindsToZapLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()
	sink := logzap.New(logger)

	sink.Record(corelog.Error, "dispatch failed", "worker", 1)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected ErrorLevel, got %v", entries[0].Level)
	}
	if !strings.Contains(entries[0].Message, "dispatch failed") {
		t.Fatalf("expected message in entry, got %q", entries[0].Message)
	}
}
