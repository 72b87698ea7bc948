package engine

import "dca_engine/internal/core"

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                   {}
func (noopLogger) Info(string, ...interface{})                    {}
func (noopLogger) Warn(string, ...interface{})                    {}
func (noopLogger) Error(string, ...interface{})                   {}
func (noopLogger) Fatal(string, ...interface{})                   {}
func (noopLogger) WithField(string, interface{}) core.ILogger     { return noopLogger{} }
func (noopLogger) WithFields(map[string]interface{}) core.ILogger { return noopLogger{} }
