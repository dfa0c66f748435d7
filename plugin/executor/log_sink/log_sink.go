package log_sink

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pmkol/resync/coremain"
	"github.com/pmkol/resync/pkg/offline_sync"
)

const PluginType = "log_sink"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() any { return new(Args) })
}

// Args of log_sink. It accepts every operation and only logs it, which
// is useful for dry runs.
type Args struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

var _ coremain.ExecutorPlugin = (*logSink)(nil)

type logSink struct {
	*coremain.BP
	level zapcore.Level
}

func Init(bp *coremain.BP, args any) (coremain.Plugin, error) {
	a := args.(*Args)
	level := zapcore.InfoLevel
	if len(a.Level) > 0 {
		var err error
		if level, err = zapcore.ParseLevel(a.Level); err != nil {
			return nil, err
		}
	}
	return &logSink{BP: bp, level: level}, nil
}

func (l *logSink) Execute(ctx context.Context, p offline_sync.Payload) error {
	ce := l.L().Check(l.level, "operation replayed")
	if ce == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 3)
	if op, ok := offline_sync.OperationFromContext(ctx); ok {
		fields = append(fields, zap.String("id", op.ID), zap.String("type", string(op.Type)))
	}
	fields = append(fields, zap.Any("payload", map[string]any(p)))
	ce.Write(fields...)
	return nil
}
