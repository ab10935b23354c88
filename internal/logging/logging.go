package logging

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger provides a new logger based on the environment type. DEBUG=true
// gives the colored development output at debug level.
func NewLogger() *zap.SugaredLogger {
	dev, _ := strconv.ParseBool(os.Getenv("DEBUG"))

	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l, err := cfg.Build()
	if err != nil {
		// Just blow up for now
		log.Fatalf("error creating logger: %s", err)
	}

	return l.Sugar().Named("levelup")
}
