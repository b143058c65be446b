package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 结构化日志接口，参数为交替的键值对
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志初始化参数
type Options struct {
	Level   string
	Writer  []string // console / file
	File    string
	MaxSize int // MB
	Backups int
}

type zlog struct {
	l zerolog.Logger
}

// New 按配置创建基于 zerolog 的日志器
func New(opts Options) Logger {
	var writers []io.Writer
	for _, w := range opts.Writer {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			file := opts.File
			if file == "" {
				file = "logs/cdpwebreq.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    max(opts.MaxSize, 10),
				MaxBackups: max(opts.Backups, 3),
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zlog{l: l}
}

// NewWriter 输出到指定 writer，便于测试捕获
func NewWriter(w io.Writer, level string) Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.DebugLevel
	}
	return &zlog{l: zerolog.New(w).Level(lv).With().Timestamp().Logger()}
}

// NewNop 丢弃所有日志
func NewNop() Logger { return &zlog{l: zerolog.Nop()} }

func (z *zlog) Debug(msg string, kv ...any) { z.l.Debug().Fields(kv).Msg(msg) }
func (z *zlog) Info(msg string, kv ...any)  { z.l.Info().Fields(kv).Msg(msg) }
func (z *zlog) Warn(msg string, kv ...any)  { z.l.Warn().Fields(kv).Msg(msg) }
func (z *zlog) Error(msg string, kv ...any) { z.l.Error().Fields(kv).Msg(msg) }

func (z *zlog) Err(err error, msg string, kv ...any) {
	z.l.Error().Err(err).Fields(kv).Msg(msg)
}

func (z *zlog) With(kv ...any) Logger {
	return &zlog{l: z.l.With().Fields(kv).Logger()}
}
