package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestNew はJSON形式のロガー出力を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("フィールドがJSONとして出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := New(Config{Level: "debug", Format: "json", Output: &buf})
		log.With(String("component", "saga")).Info("開始", Int("retry_count", 2), Err(errors.New("boom")))

		var got map[string]any
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("ログ出力のパースに失敗: %v (%s)", err, buf.String())
		}
		if got["message"] != "開始" {
			t.Errorf("message = %v, want %q", got["message"], "開始")
		}
		if got["component"] != "saga" {
			t.Errorf("component = %v, want %q", got["component"], "saga")
		}
		if got["retry_count"] != float64(2) {
			t.Errorf("retry_count = %v, want 2", got["retry_count"])
		}
		if got["err"] != "boom" {
			t.Errorf("err = %v, want %q", got["err"], "boom")
		}
	})

	t.Run("レベル未満のログは出力されないこと", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := New(Config{Level: "warn", Format: "json", Output: &buf})
		log.Info("出力されない")
		if buf.Len() != 0 {
			t.Errorf("infoログが出力された: %s", buf.String())
		}
		log.Warn("出力される")
		if buf.Len() == 0 {
			t.Error("warnログが出力されない")
		}
	})
}

// TestFields は各フィールド関数の出力を検証する。
func TestFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})
	log.Info("fields",
		Duration("timeout", 1500*time.Millisecond),
		Strings("recipient_device_ids", []string{"device1", "device2"}),
		Any("reason", map[string]int{"code": 320}),
		Err(nil),
		Stack("  "))

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("ログ出力のパースに失敗: %v (%s)", err, buf.String())
	}
	if got["timeout"] != float64(1500) {
		t.Errorf("timeout = %v, want 1500", got["timeout"])
	}
	if ids, _ := got["recipient_device_ids"].([]any); len(ids) != 2 || ids[1] != "device2" {
		t.Errorf("recipient_device_ids = %v", got["recipient_device_ids"])
	}
	if reason, _ := got["reason"].(map[string]any); reason["code"] != float64(320) {
		t.Errorf("reason = %v", got["reason"])
	}
	if _, ok := got["err"]; ok {
		t.Error("nilのエラーが出力された")
	}
	if _, ok := got["stack"]; ok {
		t.Error("空のスタックが出力された")
	}
}

// TestZeroLogger はゼロ値のロガーが安全に使えることを検証する。
func TestZeroLogger(t *testing.T) {
	t.Parallel()

	var log Logger
	if !log.IsZero() {
		t.Error("ゼロ値のIsZero()がfalseを返した")
	}
	log.Error("パニックしないこと", Err(nil))
	if Nop().IsZero() {
		t.Error("Nop()のIsZero()がtrueを返した")
	}
}

// TestParseLevel はログレベルの解釈を検証する。
func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{"unknown", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
