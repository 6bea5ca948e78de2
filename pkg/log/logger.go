package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level 日志级别
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

const timeLayout = "2006-01-02 15:04:05"

var (
	level      int32 = int32(INFO)
	logger           = log.New(os.Stderr, "", 0)
	mu         sync.RWMutex
	levelNames = map[Level]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}
)

// ==================== 输出配置 ====================

// Options 日志输出选项
type Options struct {
	Enabled         bool
	Level           string
	Dir             string
	FileSizeLimitMB int
	RotateCount     int
}

// Setup 按选项初始化日志输出。
// 未启用时丢弃所有输出；启用时写入 Dir/blksocks.log，按大小轮转。
func Setup(opts Options) (io.Closer, error) {
	SetLevel(opts.Level)

	if !opts.Enabled {
		SetOutput(io.Discard)
		return nopCloser{}, nil
	}

	if opts.Dir == "" {
		return nil, fmt.Errorf("log directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "blksocks.log"),
		MaxSize:    opts.FileSizeLimitMB,
		MaxBackups: opts.RotateCount,
		LocalTime:  true,
	}
	SetOutput(sink)
	return sink, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetLevel 设置日志级别
func SetLevel(l string) {
	atomic.StoreInt32(&level, int32(ParseLevel(l)))
}

// GetLevel 获取当前日志级别
func GetLevel() Level {
	return Level(atomic.LoadInt32(&level))
}

// SetOutput 设置日志输出
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(w, "", 0)
}

// GetLevelName 获取级别名称
func GetLevelName(l Level) string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel 解析日志级别字符串
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error", "err":
		return ERROR
	default:
		return INFO
	}
}

func output(name, format string, v ...any) {
	line := fmt.Sprintf("[%s][%s] %s", time.Now().Format(timeLayout), name, fmt.Sprintf(format, v...))
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Output(3, line)
}

// Debug 调试日志
func Debug(format string, v ...any) {
	if GetLevel() <= DEBUG {
		output("DEBUG", format, v...)
	}
}

// Info 信息日志
func Info(format string, v ...any) {
	if GetLevel() <= INFO {
		output("INFO", format, v...)
	}
}

// Warn 警告日志
func Warn(format string, v ...any) {
	if GetLevel() <= WARN {
		output("WARN", format, v...)
	}
}

// Error 错误日志
func Error(format string, v ...any) {
	if GetLevel() <= ERROR {
		output("ERROR", format, v...)
	}
}

// Fatalf 致命错误并退出。
// 同时写到 stderr，日志文件可能尚未初始化或已被禁用。
func Fatalf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	output("FATAL", "%s", msg)
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// IsDebugEnabled 检查是否启用调试日志
func IsDebugEnabled() bool {
	return GetLevel() <= DEBUG
}

// PrefixLogger 带前缀的日志记录器
type PrefixLogger struct {
	prefix string
}

// NewPrefixLogger 创建带前缀的日志记录器
func NewPrefixLogger(prefix string) *PrefixLogger {
	return &PrefixLogger{prefix: prefix}
}

// With 在现有前缀后追加一段
func (p *PrefixLogger) With(prefix string) *PrefixLogger {
	return &PrefixLogger{prefix: p.prefix + prefix}
}

func (p *PrefixLogger) Debug(format string, v ...any) {
	Debug(p.prefix+format, v...)
}

func (p *PrefixLogger) Info(format string, v ...any) {
	Info(p.prefix+format, v...)
}

func (p *PrefixLogger) Warn(format string, v ...any) {
	Warn(p.prefix+format, v...)
}

func (p *PrefixLogger) Error(format string, v ...any) {
	Error(p.prefix+format, v...)
}
