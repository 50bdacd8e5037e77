package diag

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为按组件/阶段组织的结构化日志器（zap JSON 编码，单行一事件）。
// 所有方法对 nil 接收者安全，便于测试与可选注入。
type Logger struct {
	corrID string
	z      *zap.Logger
	sink   *RotatingFile
}

// NewLogger 通过配置的 level 初始化，日志写入 dir 下的轮转文件（10MiB）。
// dir 为空时使用 logs。
func NewLogger(corrID, level, dir string) *Logger {
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	sink := NewRotatingFile(dir, 10*1024*1024)
	l := NewLoggerTo(corrID, level, zapcore.Lock(sink))
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写到任意 WriteSyncer（测试或 stderr）。
func NewLoggerTo(corrID, level string, ws zapcore.WriteSyncer) *Logger {
	enc := zapcore.NewJSONEncoder(encoderConfig())
	core := zapcore.NewCore(enc, ws, parseLevel(level))
	z := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))).With(zap.String("corr_id", corrID))
	return &Logger{corrID: corrID, z: z}
}

// NewNop 返回丢弃一切输出的 Logger。
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     func(t time.Time, pae zapcore.PrimitiveArrayEncoder) { pae.AppendString(t.UTC().Format(time.RFC3339)) },
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Zap 暴露底层 zap.Logger（供需要原生字段的组件使用）。
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Close 刷新缓冲并关闭文件 sink。
func (l *Logger) Close() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) event(comp, stage string, fields []zap.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+2)
	out = append(out, zap.String("comp", comp), zap.String("stage", stage))
	return append(out, fields...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string, fields ...zap.Field) *Timer {
	return l.StartWith(comp, msg, "", fields...)
}

// StartWith 记录带 file_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID string, fields ...zap.Field) *Timer {
	if l == nil || l.z == nil {
		return nil
	}
	if fileID != "" {
		fields = append(fields, zap.String("file_id", fileID))
	}
	l.z.Info(msg, l.event(comp, "start", fields)...)
	return &Timer{l: l, comp: comp, fileID: fileID, t0: time.Now()}
}

// DebugEnabled 报告 debug 级别是否启用；字段计算有开销时先判断。
func (l *Logger) DebugEnabled() bool {
	if l == nil || l.z == nil {
		return false
	}
	return l.z.Core().Enabled(zapcore.DebugLevel)
}

// Debug 输出调试事件（仅 level=debug 生效）。
func (l *Logger) Debug(comp, msg, fileID string, fields ...zap.Field) {
	if l == nil || l.z == nil {
		return
	}
	if fileID != "" {
		fields = append(fields, zap.String("file_id", fileID))
	}
	l.z.Debug(msg, l.event(comp, "debug", fields)...)
}

// Warn 记录可恢复的异常（例如限流后重试）。
func (l *Logger) Warn(comp, code, msg, fileID string, fields ...zap.Field) {
	if l == nil || l.z == nil {
		return
	}
	fields = append(fields, zap.String("code", code))
	if fileID != "" {
		fields = append(fields, zap.String("file_id", fileID))
	}
	l.z.Warn(msg, l.event(comp, "retry", fields)...)
}

// Error 记录 error 事件（不采样）。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWith(comp, code, msg, durSince, "")
}

// ErrorWith 支持 file_id 与附加字段（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID string, fields ...zap.Field) {
	if l == nil || l.z == nil {
		return
	}
	fields = append(fields, zap.String("code", code))
	if durSince != nil {
		fields = append(fields, zap.Int64("dur_ms", time.Since(*durSince).Milliseconds()))
	}
	if fileID != "" {
		fields = append(fields, zap.String("file_id", fileID))
	}
	l.z.Error(msg, l.event(comp, "error", fields)...)
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	t0     time.Time
}

// Finish 记录 finish 并上报阶段耗时；可选 count。
func (t *Timer) Finish(msg string, count int64, fields ...zap.Field) {
	if t == nil || t.l == nil || t.l.z == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	fields = append(fields, zap.Int64("dur_ms", dur))
	if count != 0 {
		fields = append(fields, zap.Int64("count", count))
	}
	if t.fileID != "" {
		fields = append(fields, zap.String("file_id", t.fileID))
	}
	t.l.z.Info(msg, t.l.event(t.comp, "finish", fields)...)
	ObserveDuration(t.comp, msg, dur)
}
