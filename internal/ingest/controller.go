package ingest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/servisia/wa-engine/pkg/log"
)

// Controller exposes the ingestion pipeline over HTTP.
type Controller struct {
	pipeline *Pipeline
	meta     *MetaHandler
}

func NewController(pipeline *Pipeline, meta *MetaHandler) *Controller {
	return &Controller{pipeline: pipeline, meta: meta}
}

// Register mounts the webhook routes under the given router.
func (ct *Controller) Register(router fiber.Router) {
	router.Post("/webhook/incoming", ct.HandleIncoming)
	router.Get("/webhook/meta", ct.meta.HandleVerify)
	router.Post("/webhook/meta", ct.meta.HandleIncoming)
}

// HandleIncoming receives events from the socket gateway. Unknown event
// kinds are acknowledged too; only missing identity or a persistence
// failure is an error to the gateway.
func (ct *Controller) HandleIncoming(c *fiber.Ctx) error {
	var envelope Envelope
	if err := c.BodyParser(&envelope); err != nil {
		log.Print(c).WithError(err).Warn("Malformed webhook body")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": "invalid request body",
		})
	}

	if envelope.Event == "" || envelope.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": "Missing event or sessionId",
		})
	}

	log.Ingest(envelope.SessionID, envelope.Event).Info("Received gateway event")

	if err := ct.pipeline.Handle(c.UserContext(), &envelope); err != nil {
		log.Ingest(envelope.SessionID, envelope.Event).WithError(err).Error("Failed to process webhook event")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}
