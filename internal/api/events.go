package api

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/net/websocket"
)

// eventsHandler relays notification events to a websocket client as JSON
// text frames. Events are dropped for clients that fall behind.
func eventsHandler(src EventSource) http.Handler {
	return websocket.Server{
		// Authentication is done by token; any origin may connect.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			ctx, cancel := context.WithCancel(ws.Request().Context())
			defer cancel()

			events, err := src.Subscribe(ctx)
			if err != nil {
				slog.Warn("event subscription failed", "error", err)
				return
			}

			// Client frames are ignored; a read error means the client left.
			go func() {
				defer cancel()
				var discard string
				for {
					if err := websocket.Message.Receive(ws, &discard); err != nil {
						return
					}
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if err := websocket.JSON.Send(ws, ev); err != nil {
						slog.Debug("websocket send failed", "error", err)
						return
					}
				}
			}
		},
	}
}
