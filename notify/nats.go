package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix events are published under.
const DefaultSubject = "weathercache.events"

// Publisher is the part of *nats.Conn that NATSSink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

/*
NATSSink publishes each event as JSON to "<subject>.<kind>".

Publishing is fire-and-forget: nats.go buffers the message and flushes it
asynchronously, so Notify never waits on the server. Publish errors are
logged and dropped.
*/
type NATSSink struct {
	pub     Publisher
	subject string
	logger  *slog.Logger
}

func NewNATSSink(pub Publisher, subject string, logger *slog.Logger) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{pub: pub, subject: subject, logger: logger}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("weather-cache"),
		nats.MaxReconnects(-1),
	)
}

func (s *NATSSink) Notify(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "encode event", "kind", ev.Kind, "err", err)
		return
	}
	subject := s.subject + "." + string(ev.Kind)
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.WarnContext(ctx, "publish event", "subject", subject, "err", err)
	}
}
