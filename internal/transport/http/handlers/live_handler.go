package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/core/services"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"github.com/wphive/backend/internal/realtime"
	"github.com/wphive/backend/internal/transport/http/dto"
)

// LiveHandler streams provisioning events over a websocket. The client gets
// a snapshot of the record first, then live frames until the run finishes
// or the client disconnects.
type LiveHandler struct {
	service     ports.InstallationService
	broadcaster *realtime.Broadcaster
	logger      *logger.Logger
}

func NewLiveHandler(service ports.InstallationService, broadcaster *realtime.Broadcaster, logger *logger.Logger) *LiveHandler {
	return &LiveHandler{service: service, broadcaster: broadcaster, logger: logger}
}

func (h *LiveHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		h.writeError(c, "invalid installation id")
		return
	}

	owner := uint(1)
	if raw := c.Query("owner_id"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 32); err == nil && parsed > 0 {
			owner = uint(parsed)
		}
	}

	installation, err := h.service.GetByID(context.Background(), owner, uint(id))
	if err != nil {
		if errors.Is(err, services.ErrInstallationNotFound) {
			h.writeError(c, "installation not found")
		} else {
			h.logger.Errorw("live_snapshot_failed", "installation_id", id, "error", err)
			h.writeError(c, "failed to load installation")
		}
		return
	}

	// Subscribe before sending the snapshot so no event falls between them.
	events, unsubscribe := h.broadcaster.Subscribe(uint(id))
	defer unsubscribe()

	snapshot, err := json.Marshal(dto.InstallationToResponse(installation))
	if err == nil {
		if err := c.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			return
		}
	}

	if installation.Status.Terminal() {
		return
	}

	// Drain client frames so close/ping handling works; the stream is
	// one-directional otherwise.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Infow("live_subscriber_attached", "installation_id", id)
	for {
		select {
		case <-clientGone:
			return
		case event := <-events:
			frame, err := realtime.Frame(event)
			if err != nil {
				h.logger.Warnw("live_frame_encode_failed", "installation_id", id, "error", err)
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if _, done := event.(domain.DoneEvent); done {
				return
			}
		}
	}
}

func (h *LiveHandler) writeError(c *websocket.Conn, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	_ = c.WriteMessage(websocket.TextMessage, payload)
}
