package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level 日志级别 / Log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String converts log level to string
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析日志级别 / Parse log level from string
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// sink is shared by a root logger and every component logger derived from it.
type sink struct {
	mu         sync.Mutex
	fileWriter io.Writer
	consoleOut bool
}

// Logger 日志记录器 / Logger instance
type Logger struct {
	level     Level
	component string
	out       *sink
}

// New 创建新的日志记录器 / Create new logger instance
// 初始化日志记录器，配置文件输出、日志级别和轮转策略
// Initialize logger with file output, log level, and rotation strategy
//
// Parameters:
//   - filePath: Log file path (e.g., "./logs/papaya.log"), directory will be created if not exists
//   - level: Minimum log level (DEBUG, INFO, WARN, ERROR)
//   - maxSize: Maximum size of single log file in MB, auto-rotate when exceeded
//   - maxAge: Days to retain log files
//   - maxBackups: Number of old log files to keep
//   - compress: Whether to compress rotated log files
//   - console: Whether to output to console as well
//
// Returns:
//   - *Logger: 已配置的日志记录器实例 / Configured logger instance
//   - error: 日志目录创建失败时返回错误 / Error on log directory creation failure
func New(filePath string, level Level, maxSize, maxAge, maxBackups int, compress, console bool) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSize,    // megabytes
		MaxAge:     maxAge,     // days
		MaxBackups: maxBackups, // number of backups
		Compress:   compress,
		LocalTime:  true,
	}

	return &Logger{
		level: level,
		out:   &sink{fileWriter: fileWriter, consoleOut: console},
	}, nil
}

// Discard 丢弃所有输出的日志记录器 / Logger that drops every entry (tests, tooling)
func Discard() *Logger {
	return &Logger{level: ERROR + 1, out: &sink{fileWriter: io.Discard}}
}

// With 派生组件日志记录器 / Derive a logger tagged with a component name
// The derived logger shares the parent's writer and level.
func (l *Logger) With(component string) *Logger {
	return &Logger{level: l.level, component: component, out: l.out}
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

// log 写入日志 / Write log entry
func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02 15:04:05.000")
	message := maskSensitiveData(fmt.Sprintf(format, args...))

	var logEntry string
	if l.component != "" {
		logEntry = fmt.Sprintf("[%s] [%s] [%s] %s\n", timestamp, level.String(), l.component, message)
	} else {
		logEntry = fmt.Sprintf("[%s] [%s] %s\n", timestamp, level.String(), message)
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.fileWriter != nil {
		l.out.fileWriter.Write([]byte(logEntry))
	}
	if l.out.consoleOut {
		fmt.Print(logEntry)
	}
}

// Debug 调试日志 / Debug log
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info 信息日志 / Info log
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn 警告日志 / Warning log
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error 错误日志 / Error log
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Close 关闭日志记录器 / Close logger and flush buffers
func (l *Logger) Close() error {
	if closer, ok := l.out.fileWriter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var sensitiveKeys = []string{
	"api_key", "apikey", "api-key",
	"api_secret", "apisecret", "api-secret", "secret",
	"passphrase", "password", "pwd",
	"signature", "token", "auth",
	"OK-ACCESS-KEY", "OK-ACCESS-SIGN", "OK-ACCESS-PASSPHRASE",
}

// maskSensitiveData 屏蔽敏感数据 / Mask sensitive data in log messages
// 对每个敏感关键词查找 "key=value" / "key: value" / "key:value" 模式并屏蔽所有出现的值（保留前4个字符）
// For each sensitive keyword, every "key=value", "key: value" or "key:value" occurrence is masked,
// keeping the first 4 characters of the value.
//
// Example: "api_key=abcd1234567890" → "api_key=abcd****"
func maskSensitiveData(message string) string {
	result := message
	for _, key := range sensitiveKeys {
		for _, sep := range []string{": ", "=", ":"} {
			result = maskPattern(result, strings.ToLower(key+sep))
		}
	}
	return result
}

func maskPattern(message, pattern string) string {
	lower := strings.ToLower(message)
	var b strings.Builder
	pos := 0
	for {
		idx := strings.Index(lower[pos:], pattern)
		if idx == -1 {
			break
		}
		valueStart := pos + idx + len(pattern)
		valueEnd := valueStart
		for valueEnd < len(message) && !isValueDelimiter(message[valueEnd]) {
			valueEnd++
		}
		b.WriteString(message[pos:valueStart])
		if valueEnd > valueStart {
			b.WriteString(maskValue(message[valueStart:valueEnd]))
		}
		pos = valueEnd
	}
	b.WriteString(message[pos:])
	return b.String()
}

func isValueDelimiter(c byte) bool {
	return c == ' ' || c == ',' || c == '\n' || c == '"' || c == '}'
}

// maskValue 屏蔽值 / Mask a value, showing only first 4 characters
// Already masked values are left as they are.
func maskValue(value string) string {
	if strings.HasSuffix(value, "****") {
		return value
	}
	if len(value) <= 4 {
		return "****"
	}
	return value[:4] + "****"
}
