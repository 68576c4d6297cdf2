package log

import (
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

// Loggers are cached per job so that context attached via AddContext sticks
// for the lifetime of the job. Jobs are short-lived; the expiry is just a
// backstop against abandoned IDs.
var loggerCache *cache.Cache
var defaultLoggerCacheExpiry = 1 * time.Hour

// logDestination is swapped out by tests that assert on log output.
var logDestination io.Writer = os.Stderr

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// AddContext permanently attaches key-value context to the logger for this
// job ID. Any future logging for the ID will include it.
func AddContext(jobID string, keyvals ...interface{}) {
	loggerCache.Set(jobID, kitlog.With(getLogger(jobID), redactKeyvals(keyvals...)...), defaultLoggerCacheExpiry)
}

func Log(jobID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(jobID), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// LogNoRequestID is for logging where no job is in scope (startup, listeners,
// session-level events). Use sparingly and put as much context as possible
// into the message itself.
func LogNoRequestID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(jobID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(jobID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(redactKeyvals(keyvals...)...)
}

// NewRequestLogger hands the HTTP request middleware a raw logfmt logger; the
// middleware assembles its own key-value pairs.
func NewRequestLogger() kitlog.Logger {
	return newLogger()
}

func getLogger(jobID string) kitlog.Logger {
	logger, found := loggerCache.Get(jobID)
	if found {
		return logger.(kitlog.Logger)
	}

	jobLogger := kitlog.With(newLogger(), "job_id", jobID)
	loggerCache.Set(jobID, jobLogger, defaultLoggerCacheExpiry)
	return jobLogger
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(logDestination))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

// redactKeyvals strips credentials from string values that look like URLs.
// Input URLs routinely carry basic auth or signed tokens and get logged in
// several places.
func redactKeyvals(keyvals ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(keyvals))
	for i, kv := range keyvals {
		if i%2 == 1 {
			if s, ok := kv.(string); ok {
				kv = RedactURL(s)
			}
		}
		out = append(out, kv)
	}
	return out
}

// RedactURL masks the password of a URL-shaped string. Strings that carry an
// @ but do not parse are fully redacted rather than risked to pass through.
func RedactURL(str string) string {
	if !strings.Contains(str, "://") {
		return str
	}
	u, err := url.Parse(str)
	if err != nil {
		if strings.Contains(str, "@") {
			return "REDACTED"
		}
		return str
	}
	if u.User == nil {
		return str
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return str
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
