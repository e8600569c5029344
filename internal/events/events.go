// Package events connects recalld instances over NATS.
//
// Subjects:
//
//	recalld.narratives.{user}.refreshed
//	recalld.jobs.{user}.{kind}.{completed|failed}
//
// User ids are passed through SubjectToken first, since '.' and the NATS
// wildcards are valid in ids.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher publishes raw payloads. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect handling. It returns (nil, nil) when
// NATS is disabled.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("recalld"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return nc, nil
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// SubjectToken makes s safe to use as a single subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}

// NarrativeRefreshed is the subject announcing a new narrative for user.
func NarrativeRefreshed(userID string) string {
	return "recalld.narratives." + SubjectToken(userID) + ".refreshed"
}

// NarrativeRefreshedAll matches every NarrativeRefreshed subject.
const NarrativeRefreshedAll = "recalld.narratives.*.refreshed"

// JobFinished is the subject for a job lifecycle event.
func JobFinished(userID, kind, status string) string {
	return fmt.Sprintf("recalld.jobs.%s.%s.%s", SubjectToken(userID), SubjectToken(kind), status)
}
