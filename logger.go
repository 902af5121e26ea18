/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package plenum

import "go.uber.org/zap"

// Logger is the narrow logging contract used throughout the core,
// grounded on the teacher's own Logger interface (client_window.go) and
// its zap field usage (state_machine.go, sequence.go). Call sites pass
// structured zap.Field values exactly as the teacher does
// (zap.Uint64("SeqNo", ...), zap.Int("State", ...)).
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	// Panic logs at panic level and then panics, matching the teacher's
	// use of logger.Panic for "dev sanity test"/local invariant
	// violations that spec.md §7 forbids masking.
	Panic(msg string, fields ...zap.Field)
}

// ZapLogger adapts a *zap.Logger to the Logger interface.
type ZapLogger struct {
	L *zap.Logger
}

func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{L: l}
}

func (z *ZapLogger) Debug(msg string, fields ...zap.Field) { z.L.Debug(msg, fields...) }
func (z *ZapLogger) Info(msg string, fields ...zap.Field)  { z.L.Info(msg, fields...) }
func (z *ZapLogger) Warn(msg string, fields ...zap.Field)  { z.L.Warn(msg, fields...) }
func (z *ZapLogger) Error(msg string, fields ...zap.Field) { z.L.Error(msg, fields...) }
func (z *ZapLogger) Panic(msg string, fields ...zap.Field) { z.L.Panic(msg, fields...) }

// NopLogger discards everything; used by tests that don't want a panic
// on Logger.Panic to actually crash the test binary in a useful way --
// tests instead assert via recover().
func NopLogger() Logger { return NewZapLogger(zap.NewNop()) }
