package media

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// loggerFactory routes pion's internal logging into zerolog. pion is chatty,
// so its info output is demoted to debug.
type loggerFactory struct {
	log zerolog.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{log: f.log.With().Str("scope", scope).Logger()}
}

type pionLogger struct {
	log zerolog.Logger
}

func (l pionLogger) Trace(msg string)                          { l.log.Trace().Msg(msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) { l.log.Trace().Msgf(format, args...) }
func (l pionLogger) Debug(msg string)                          { l.log.Trace().Msg(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.log.Trace().Msgf(format, args...) }
func (l pionLogger) Info(msg string)                           { l.log.Debug().Msg(msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.log.Debug().Msgf(format, args...) }
func (l pionLogger) Warn(msg string)                           { l.log.Warn().Msg(msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.log.Warn().Msgf(format, args...) }
func (l pionLogger) Error(msg string)                          { l.log.Error().Msg(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.log.Error().Msgf(format, args...) }
