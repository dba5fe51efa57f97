package logger

import (
	"log"
	"strings"
)

// 中文说明：
// 轻量日志封装：全局级别 + 组件前缀，避免引入重型日志依赖。

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var current = LevelInfo

func SetLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		current = LevelDebug
	case "info":
		current = LevelInfo
	case "warn", "warning":
		current = LevelWarn
	case "error":
		current = LevelError
	default:
		current = LevelInfo
	}
}

func Debugf(format string, v ...any) {
	if current <= LevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}
func Infof(format string, v ...any) {
	if current <= LevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}
func Warnf(format string, v ...any) {
	if current <= LevelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}
func Errorf(format string, v ...any) {
	if current <= LevelError {
		log.Printf("[ERROR] "+format, v...)
	}
}

// Component 返回带固定前缀的日志器，便于各子系统统一标识。
type Component struct{ prefix string }

func With(name string) Component { return Component{prefix: name + ": "} }

func (c Component) Debugf(format string, v ...any) { Debugf(c.prefix+format, v...) }
func (c Component) Infof(format string, v ...any)  { Infof(c.prefix+format, v...) }
func (c Component) Warnf(format string, v ...any)  { Warnf(c.prefix+format, v...) }
func (c Component) Errorf(format string, v ...any) { Errorf(c.prefix+format, v...) }
