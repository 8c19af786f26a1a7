package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	apiContext "msggateway/internal/api/context"
	"msggateway/internal/engine/notify"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

type EventsHandler struct {
	hub            *notify.Hub
	originPatterns []string
}

func NewEventsHandler(hub *notify.Hub, originPatterns []string) *EventsHandler {
	return &EventsHandler{hub: hub, originPatterns: originPatterns}
}

// Stream pushes the tenant's gateway events to a websocket client until it
// goes away.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	tenantID := apiContext.TenantID(r.Context())
	logger := log.Ctx(r.Context())

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	events, cancel := h.hub.Subscribe(tenantID)
	defer cancel()

	// clients only listen; CloseRead handles control frames
	ctx := c.CloseRead(r.Context())

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "")
				return
			}
			if err := write(ctx, c, ev); err != nil {
				logger.Debug().Err(err).Msg("event stream closed")
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := c.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, ev notify.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, ev)
}
