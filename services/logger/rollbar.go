package logsvc

import (
	"fmt"
	"io"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"
	"github.com/sirupsen/logrus"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/user"
)

// RollbarLogger reports to Rollbar and writes the same entries through logrus.
type RollbarLogger struct {
	log *logrus.Logger
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(out io.Writer, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	rollbar.SetEnabled(conf.RollbarToken != "" && !conf.TestMode)

	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: !conf.Debug})
	if conf.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return &RollbarLogger{log: log}
}

// NewTestLogger discards everything.
func NewTestLogger() *RollbarLogger {
	conf := core.NewTestConfig()
	return NewRollbarLogger(io.Discard, conf)
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// expected fmt: msg | error, map[string]interface{}, user.User
func (l RollbarLogger) prepare(msg string, args []interface{}) ([]interface{}, logrus.Fields) {
	var usrSet bool
	fields := make(logrus.Fields)
	newArgs := make([]interface{}, 0, len(args)+1)
	newArgs = append(newArgs, msg)

	for i, arg := range args {
		switch a := arg.(type) {
		case user.User:
			if !usrSet { // only set one User
				rollbar.SetPerson(a.ID, a.Name, a.Email)
				fields["user_id"] = a.ID
				usrSet = true
			}
			continue
		case error:
			fields[logrus.ErrorKey] = a
		case map[string]interface{}:
			for k, v := range a {
				fields[k] = v
			}
		default:
			fields[fmt.Sprintf("arg%d", i)] = a
		}
		newArgs = append(newArgs, arg)
	}
	if !usrSet {
		rollbar.ClearPerson()
	}
	return newArgs, fields
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	rArgs, fields := l.prepare(msg, args)
	rollbar.Debug(rArgs...)
	l.log.WithFields(fields).Debug(msg)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	rArgs, fields := l.prepare(msg, args)
	rollbar.Info(rArgs...)
	l.log.WithFields(fields).Info(msg)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	rArgs, fields := l.prepare(msg, args)
	rollbar.Warning(rArgs...)
	l.log.WithFields(fields).Warn(msg)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	rArgs, fields := l.prepare(msg, args)
	rollbar.Error(rArgs...)
	l.log.WithFields(fields).Error(msg)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	rArgs, fields := l.prepare(msg, args)
	rollbar.Critical(rArgs...)
	rollbar.Wait()
	l.log.WithFields(fields).Fatal(msg)
}
