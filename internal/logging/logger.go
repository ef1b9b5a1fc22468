// Package logging hands out component-scoped logrus entries.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Config controls level and format of every component logger.
type Config struct {
	// Level is the minimum level to output. LOG_LEVEL overrides it.
	Level string `yaml:"level"`
	// Format is "text" (default) or "json".
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	base      = newBase(Config{})
)

func newBase(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	levelStr := "info"
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetReportCaller(cfg.ReportCaller)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Configure applies cfg to all loggers, including ones already handed out.
func Configure(cfg Config) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	next := newBase(cfg)
	base.SetLevel(next.GetLevel())
	base.SetFormatter(next.Formatter)
	base.SetReportCaller(cfg.ReportCaller)
}

// NewLogger returns the logger for a component. Loggers are cached per
// component.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := base.WithField("component", component)
	loggers[component] = logger
	return logger
}

// GinLogger logs every HTTP request through the given entry.
func GinLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"latency":  time.Since(start).String(),
			"clientIP": c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Debug("request")
		}
	}
}
