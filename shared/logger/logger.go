// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging with task and workflow correlation
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry is one structured log line. TaskID and WorkflowID tie the
// entry back to the dispatch it describes.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	TaskID     string                 `json:"task_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Instance ID comes from the environment (set during deployment)
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, taskID, workflowID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		TaskID:     taskID,
		WorkflowID: workflowID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	// Write JSON log to stdout (the container runtime captures this)
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(taskID, workflowID, message string, fields map[string]interface{}) {
	l.Log(INFO, taskID, workflowID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(taskID, workflowID, message string, fields map[string]interface{}) {
	l.Log(ERROR, taskID, workflowID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(taskID, workflowID, message string, fields map[string]interface{}) {
	l.Log(WARN, taskID, workflowID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(taskID, workflowID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, taskID, workflowID, message, fields)
}

// InfoWithDuration logs an info message with a duration field
func (l *Logger) InfoWithDuration(taskID, workflowID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(taskID, workflowID, message, fields)
}

// ErrorWithCode logs an error together with its stable error code
func (l *Logger) ErrorWithCode(taskID, workflowID, message, errorCode string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["error_code"] = errorCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(taskID, workflowID, message, fields)
}
