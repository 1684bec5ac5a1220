package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config はロガーの設定。
type Config struct {
	// Level はログレベル（trace, debug, info, warn, error）。
	Level string
	// Format は出力形式（console または json）。
	Format string
	// Output は出力先。nilの場合は標準出力。
	Output io.Writer
}

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"
}

// Field はzerologのイベントにフィールドを追加する関数。
// 同じキーを複数回指定した場合は後の値が優先される。
type Field func(e *zerolog.Event)

// String は文字列のフィールドを追加する。
func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }

// Int は整数のフィールドを追加する。
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }

// Duration は経過時間のフィールドを追加する。
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

// Strings は文字列スライスのフィールドを追加する。
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }

// Any は任意の値をJSONとしてフィールドに追加する。
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err はエラーをフィールドとして追加する。nilの場合は何もしない。
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack はスタックトレースをフィールドとして追加する。空の場合は何もしない。
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger は軽量な構造化ロガー。
// ゼロ値は何も出力しないロガーとして安全に使用できる。
type Logger struct {
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

// New は設定に従ってロガーを生成する。
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	zl := zerolog.New(out).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

// Nop は何も出力しないロガーを返す。
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// IsZero はゼロ値のロガーであるかを返す。
func (l Logger) IsZero() bool { return !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

// With は固定フィールドを追加した派生ロガーを返す。
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

// Debug はデバッグレベルでmsgを出力する。
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
// Info は情報レベルでmsgを出力する。
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
// Warn は警告レベルでmsgを出力する。
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
// Error はエラーレベルでmsgを出力する。
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}

	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}
