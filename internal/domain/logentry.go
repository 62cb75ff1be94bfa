package domain

import (
	"fmt"
	"time"
)

type LogCategory string

const (
	LogSystem   LogCategory = "System"
	LogSuccess  LogCategory = "Success"
	LogWarning  LogCategory = "Warning"
	LogError    LogCategory = "Error"
	LogInfo     LogCategory = "Info"
	LogP2P      LogCategory = "P2P"
	LogP2PError LogCategory = "P2P Error"
)

type LogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Category  LogCategory `json:"category"`
	Message   string      `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] [%s] %s", e.Timestamp.Format("15:04:05"), e.Category, e.Message)
}
