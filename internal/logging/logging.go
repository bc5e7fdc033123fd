// Package logging builds the zap loggers shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New は level / format / output から SugaredLogger を作る。
// output は "stdout" / "stderr" / ファイルパス。
// 戻り値の close はファイル出力時にファイルを閉じる（それ以外は no-op）。
func New(level, format, output string) (*zap.SugaredLogger, func() error, error) {
	var w io.Writer
	closeFn := func() error { return nil }

	switch strings.ToLower(output) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %s: %w", output, err)
		}
		w = f
		closeFn = f.Close
	}
	return NewWithOutput(level, format, w), closeFn, nil
}

// NewWithOutput は任意の io.Writer に出力するロガーを作る。
// 不正なレベルは info として扱う。
func NewWithOutput(level, format string, output io.Writer) *zap.SugaredLogger {
	atomicLevel := zap.NewAtomicLevel()
	if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
		atomicLevel.SetLevel(zapcore.InfoLevel)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch format {
	case "console", "text":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(output), atomicLevel)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
}

// Nop はテストやロガー未指定時に使う何も出力しないロガー。
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// OrNop は nil なら Nop を返す。
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return Nop()
	}
	return l
}
