package notify

import (
	"errors"
	"io"
	"net/http"
	"time"

	"trustvault/internal/config"
)

// FromConfig builds the sinks enabled in cfg. The returned closer releases
// sinks holding connections.
func FromConfig(cfg *config.Config, client *http.Client) ([]Sink, io.Closer, error) {
	var sinks []Sink
	var closers closeAll
	for _, h := range cfg.Notifications.Webhooks {
		if !h.Enabled || h.URL == "" {
			continue
		}
		sinks = append(sinks, NewWebhook(h, client))
	}
	if k := cfg.Notifications.Kafka; len(k.Brokers) > 0 {
		p, err := NewKafkaPublisher(k.Brokers, k.Topic, nil)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, p)
		closers = append(closers, p)
	}
	return sinks, closers, nil
}

type closeAll []io.Closer

func (c closeAll) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

func parseTS(ts string) (time.Time, error) {
	return time.Parse(time.RFC3339, ts)
}
