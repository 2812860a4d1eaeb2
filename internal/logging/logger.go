package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New crea el logger de produccion. Con logFile ademas escribe a un archivo rotado.
func New(logFile string) (*zap.Logger, error) {
	if logFile == "" {
		return zap.NewProduction()
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     7, // dias
		Compress:   true,
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.InfoLevel),
		zapcore.NewCore(encoder, fileSink, zap.InfoLevel),
	)
	return zap.New(core, zap.AddCaller()), nil
}
