package raftstore

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
	"github.com/rs/zerolog"
)

// hclogAdapter routes hashicorp/raft's hclog output through the zerolog
// logger every other component in this repo uses, so raft's leader-change
// and snapshot messages show up in the same structured stream.
type hclogAdapter struct {
	logger zerolog.Logger
	name   string
	args   []interface{}
}

func newHCLogAdapter(logger zerolog.Logger) hclog.Logger {
	return &hclogAdapter{logger: logger}
}

func (h *hclogAdapter) line(lvl zerolog.Level, msg string, args ...interface{}) {
	ev := h.logger.WithLevel(lvl)
	all := append(append([]interface{}{}, h.args...), args...)
	for i := 0; i+1 < len(all); i += 2 {
		key := fmt.Sprintf("%v", all[i])
		ev = ev.Interface(key, all[i+1])
	}
	ev.Msg(msg)
}

func (h *hclogAdapter) Trace(msg string, args ...interface{}) { h.line(zerolog.TraceLevel, msg, args...) }
func (h *hclogAdapter) Debug(msg string, args ...interface{}) { h.line(zerolog.DebugLevel, msg, args...) }
func (h *hclogAdapter) Info(msg string, args ...interface{})  { h.line(zerolog.InfoLevel, msg, args...) }
func (h *hclogAdapter) Warn(msg string, args ...interface{})  { h.line(zerolog.WarnLevel, msg, args...) }
func (h *hclogAdapter) Error(msg string, args ...interface{}) { h.line(zerolog.ErrorLevel, msg, args...) }

func (h *hclogAdapter) IsTrace() bool { return h.logger.GetLevel() <= zerolog.TraceLevel }
func (h *hclogAdapter) IsDebug() bool { return h.logger.GetLevel() <= zerolog.DebugLevel }
func (h *hclogAdapter) IsInfo() bool  { return h.logger.GetLevel() <= zerolog.InfoLevel }
func (h *hclogAdapter) IsWarn() bool  { return h.logger.GetLevel() <= zerolog.WarnLevel }
func (h *hclogAdapter) IsError() bool { return h.logger.GetLevel() <= zerolog.ErrorLevel }

func (h *hclogAdapter) ImpliedArgs() []interface{} { return h.args }

func (h *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{logger: h.logger, name: h.name, args: append(append([]interface{}{}, h.args...), args...)}
}

func (h *hclogAdapter) Name() string { return h.name }

func (h *hclogAdapter) Named(name string) hclog.Logger {
	n := name
	if h.name != "" {
		n = h.name + "." + name
	}
	return &hclogAdapter{logger: h.logger, name: n, args: h.args}
}

func (h *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{logger: h.logger, name: name, args: h.args}
}

func (h *hclogAdapter) SetLevel(hclog.Level) {}

func (h *hclogAdapter) GetLevel() hclog.Level {
	switch h.logger.GetLevel() {
	case zerolog.TraceLevel:
		return hclog.Trace
	case zerolog.DebugLevel:
		return hclog.Debug
	case zerolog.WarnLevel:
		return hclog.Warn
	case zerolog.ErrorLevel:
		return hclog.Error
	default:
		return hclog.Info
	}
}

func (h *hclogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return log.New(h.logger, "", 0)
}

func (h *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return h.logger
}
