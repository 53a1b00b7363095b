package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

const maxStackFrames = 24

// Frames from these packages only build or wrap errors and are left out of
// logged stacks.
var stackNoise = []string{
	"sai-vault-worker/types.",
	"github.com/pkg/errors.",
	"runtime.",
}

type ZapLoggerConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	File   string `yaml:"file" json:"file"`
}

func NewDefaultLogger(config *types.LoggerConfig) (types.Logger, error) {
	lConfig := &ZapLoggerConfig{Format: "console", Output: "stdout"}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, lConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal logger config")
		}
	}
	if lConfig.Level == "" {
		lConfig.Level = config.Level
	}

	z, err := buildZapLogger(lConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	z.Debug("Logger initialized",
		zap.String("level", lConfig.Level),
		zap.String("format", lConfig.Format),
		zap.String("output", lConfig.Output),
	)

	return NewZapWrapper(z), nil
}

func buildZapLogger(config *ZapLoggerConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if config.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.EncoderConfig.EncodeCaller = zapcore.FullCallerEncoder
	}
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.DisableStacktrace = true
	zapConfig.Level = zap.NewAtomicLevelAt(parseLogLevel(config.Level))

	outputs, errOutputs, err := outputPaths(config)
	if err != nil {
		return nil, err
	}
	zapConfig.OutputPaths = outputs
	zapConfig.ErrorOutputPaths = errOutputs

	return zapConfig.Build(zap.AddCaller())
}

func outputPaths(config *ZapLoggerConfig) ([]string, []string, error) {
	switch {
	case config.Output == "stderr":
		return []string{"stderr"}, []string{"stderr"}, nil
	case config.Output == "file" && config.File != "":
		if err := ensureLogDir(config.File); err != nil {
			return nil, nil, err
		}
		return []string{config.File}, []string{config.File}, nil
	default:
		return []string{"stdout"}, []string{"stderr"}, nil
	}
}

func parseLogLevel(level string) zapcore.Level {
	normalized := strings.ToLower(level)
	if normalized == "warning" {
		normalized = "warn"
	}

	parsed, err := zapcore.ParseLevel(normalized)
	if err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}

func ensureLogDir(logFile string) error {
	if logFile == "" {
		return types.ErrLogFileIsEmpty
	}

	dir := filepath.Dir(logFile)
	if dir == "." && !strings.ContainsRune(logFile, filepath.Separator) {
		return types.ErrLogFileWrongFormat
	}

	return types.WrapError(os.MkdirAll(dir, 0o755), "access denied to log directory")
}

// ZapWrapper adapts *zap.Logger to types.Logger. Calls go through the
// manager, hence the caller skip of two.
type ZapWrapper struct {
	Logger *zap.Logger
}

func NewZapWrapper(logger *zap.Logger) *ZapWrapper {
	return &ZapWrapper{Logger: logger}
}

func (z *ZapWrapper) Sync() error {
	return z.Logger.Sync()
}

func (z *ZapWrapper) skipped() *zap.Logger {
	return z.Logger.WithOptions(zap.AddCallerSkip(2))
}

func (z *ZapWrapper) Error(msg string, fields ...zap.Field) {
	z.skipped().Error(msg, fields...)
}

func (z *ZapWrapper) Warn(msg string, fields ...zap.Field) {
	z.skipped().Warn(msg, fields...)
}

func (z *ZapWrapper) Info(msg string, fields ...zap.Field) {
	z.skipped().Info(msg, fields...)
}

func (z *ZapWrapper) Debug(msg string, fields ...zap.Field) {
	z.skipped().Debug(msg, fields...)
}

func (z *ZapWrapper) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	z.skipped().Log(lvl, msg, fields...)
}

// ErrorWithErrStack logs err with its root cause and, when the error chain
// carries a pkg/errors stack, the origin frames as a "stack" field.
func (z *ZapWrapper) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if err == nil {
		z.Error(msg, fields...)
		return
	}

	all := make([]zap.Field, 0, len(fields)+3)
	all = append(all, zap.String("error", errors.Cause(err).Error()))
	if full := err.Error(); full != errors.Cause(err).Error() {
		all = append(all, zap.String("error_chain", full))
	}
	if frames := stackFrames(err); len(frames) > 0 {
		all = append(all, zap.Strings("stack", frames))
	}
	all = append(all, fields...)

	z.skipped().Error(msg, all...)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackFrames renders the deepest stack recorded in the chain, which is the
// one closest to where the error was created.
func stackFrames(err error) []string {
	var trace errors.StackTrace
	for current := err; current != nil; current = errors.Unwrap(current) {
		if st, ok := current.(stackTracer); ok {
			trace = st.StackTrace()
		}
	}
	if len(trace) == 0 {
		return nil
	}

	frames := make([]string, 0, min(len(trace), maxStackFrames))
	for _, frame := range trace {
		if len(frames) == maxStackFrames {
			break
		}
		if line, ok := describeFrame(frame); ok {
			frames = append(frames, line)
		}
	}
	return frames
}

func describeFrame(frame errors.Frame) (string, bool) {
	pc := uintptr(frame) - 1
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "", false
	}

	name := fn.Name()
	for _, noise := range stackNoise {
		if strings.Contains(name, noise) {
			return "", false
		}
	}

	file, line := fn.FileLine(pc)
	return fmt.Sprintf("%s %s:%d", name, shortPath(file), line), true
}

// shortPath keeps the package directory and file name.
func shortPath(file string) string {
	dir, base := filepath.Split(file)
	return filepath.Join(filepath.Base(dir), base)
}
