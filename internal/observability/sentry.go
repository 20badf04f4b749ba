package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const redacted = "[redacted]"

var credentialHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Refresh-Token"}

// InitSentry is a no-op without a DSN. Credential headers, cookies and
// request bodies are stripped from every event before it is sent.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	for name := range event.Request.Headers {
		for _, credential := range credentialHeaders {
			if strings.EqualFold(name, credential) {
				event.Request.Headers[name] = redacted
			}
		}
	}
	if event.Request.Cookies != "" {
		event.Request.Cookies = redacted
	}
	if event.Request.Data != "" {
		event.Request.Data = redacted
	}
	return event
}
