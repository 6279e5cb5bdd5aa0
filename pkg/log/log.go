package log

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	fields := logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	}
	if v := c.Locals("request_id"); v != nil {
		if id, ok := v.(string); ok && id != "" {
			fields["request_id"] = id
		}
	}
	return logger.WithFields(fields)
}

// Session returns an entry scoped to one WhatsApp session.
func Session(sessionID string) *logrus.Entry {
	return logger.WithField("session", sessionID)
}

// Ingest returns an entry scoped to one inbound webhook event.
func Ingest(sessionID string, event string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"session": sessionID,
		"event":   event,
	})
}

// Campaign returns an entry scoped to one campaign job.
func Campaign(jobID int64, campaignID int64) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"job":      jobID,
		"campaign": campaignID,
	})
}
