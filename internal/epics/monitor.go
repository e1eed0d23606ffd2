package epics

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Update is one monitored value change delivered by the gateway.
type Update struct {
	PV    string  `json:"pv"`
	Value float64 `json:"value"`
}

// subscribeRequest is the first frame sent on a monitor connection.
type subscribeRequest struct {
	Subscribe []string `json:"subscribe"`
}

// wsURL derives the websocket endpoint from the gateway base URL: https
// becomes wss, http becomes ws.
func (g *Gateway) wsURL() string {
	u := g.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/monitor"
}

// Monitor subscribes to value updates for the given PVs. Updates are
// delivered on the returned channel until the context is cancelled or the
// connection drops, at which point the channel is closed.
func (g *Gateway) Monitor(ctx context.Context, pvs []string) (<-chan Update, error) {
	conn, _, err := websocket.Dial(ctx, g.wsURL(), &websocket.DialOptions{
		HTTPClient: g.httpClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial monitor: %w", err)
	}

	if err := wsjson.Write(ctx, conn, subscribeRequest{Subscribe: pvs}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	updates := make(chan Update)
	go func() {
		defer close(updates)
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			var u Update
			if err := wsjson.Read(ctx, conn, &u); err != nil {
				if ctx.Err() == nil {
					log.Printf("Warning: monitor connection lost: %v", err)
				}
				return
			}
			select {
			case updates <- u:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}
