package models

import (
	"strings"
)

// LogLevel is the severity label carried by a submitted log line.
type LogLevel string

const (
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// levelOrdinals maps severity labels to their ordinal feature value.
var levelOrdinals = map[LogLevel]int{
	LevelInfo:     0,
	LevelWarning:  1,
	LevelError:    2,
	LevelCritical: 3,
}

// Ordinal returns the ordinal of the level. Unknown levels count as INFO.
func (l LogLevel) Ordinal() int {
	return levelOrdinals[l]
}

// ParseLogLevel converts a label to LogLevel.
// Unknown labels return LevelInfo and false.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO", "NOTICE", "DEBUG":
		return LevelInfo, true
	case "WARNING", "WARN":
		return LevelWarning, true
	case "ERROR", "ERR":
		return LevelError, true
	case "CRITICAL", "CRIT", "FATAL", "EMERGENCY", "EMERG", "ALERT":
		return LevelCritical, true
	default:
		return LevelInfo, false
	}
}

// Severity labels produced by log severity analysis.
const (
	SeverityNormal   = "NORMAL"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// LogEvent is a single structured log record used for feature extraction.
type LogEvent struct {
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// LogLine is a submitted log line after parsing and feature extraction.
type LogLine struct {
	// Raw is the line as submitted.
	Raw string `json:"raw"`

	// Level is the level parsed from the line prefix (INFO when absent).
	Level LogLevel `json:"level"`

	// Message is the line without its level prefix.
	Message string `json:"message"`

	// Features is the extracted feature vector; Features[0] is the level ordinal.
	Features []float64 `json:"-"`
}

// ParseLogLine splits "LEVEL: message" or "[LEVEL] message" into its parts.
// Lines without a recognised level prefix are INFO with the whole line as message.
func ParseLogLine(line string) LogLine {
	trimmed := strings.TrimSpace(line)
	out := LogLine{Raw: line, Level: LevelInfo, Message: trimmed}

	var label, rest string
	switch {
	case strings.HasPrefix(trimmed, "["):
		end := strings.IndexByte(trimmed, ']')
		if end < 0 {
			return out
		}
		label, rest = trimmed[1:end], trimmed[end+1:]
	default:
		idx := strings.IndexByte(trimmed, ':')
		if idx <= 0 {
			return out
		}
		label, rest = trimmed[:idx], trimmed[idx+1:]
	}

	level, ok := ParseLogLevel(label)
	if !ok {
		return out
	}
	out.Level = level
	out.Message = strings.TrimSpace(rest)
	return out
}

// Event returns the line as a LogEvent.
func (l LogLine) Event() LogEvent {
	return LogEvent{Severity: string(l.Level), Message: l.Message}
}
