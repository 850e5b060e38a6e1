package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/fanout"
	"github.com/quizwire/quizwire/internal/publish"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvents upgrades the request to a websocket and forwards the
// subscriber's update stream over it. Access is checked before the upgrade so
// a rejected subscriber gets a proper HTTP status instead of a dropped socket.
func (a *API) streamEvents(c *gin.Context) {
	subscriberID := c.Query("subscriber")
	if subscriberID == "" {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("subscriber is required")))
		return
	}

	kinds, err := parseKinds(c.Query("kinds"))
	if err != nil {
		abort(c, err)
		return
	}

	// The request context dies when the handler returns, which is long
	// before the stream ends. Disconnects tear the subscription down through
	// readPump instead.
	sub, err := a.fan.SubscribeAll(context.WithoutCancel(c.Request.Context()), kinds, c.Param("id"), subscriberID)
	if err != nil {
		abort(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Cancel()
		slog.ErrorContext(c.Request.Context(), "api: websocket upgrade failed", "error", err)
		return
	}

	go writePump(conn, sub)
	go readPump(conn, sub)
}

func parseKinds(raw string) ([]publish.Kind, error) {
	if raw == "" {
		return publish.Kinds, nil
	}

	var kinds []publish.Kind
	for _, s := range strings.Split(raw, ",") {
		k, ok := publish.ParseKind(strings.TrimSpace(s))
		if !ok {
			return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown event kind %q", s))
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// writePump forwards updates to the peer until the subscription closes.
func writePump(conn *websocket.Conn, sub *fanout.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case u, ok := <-sub.Updates():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				sub.Cancel()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Cancel()
				return
			}
		}
	}
}

// readPump consumes control frames and tears the subscription down when the
// peer goes away.
func readPump(conn *websocket.Conn, sub *fanout.Subscription) {
	defer func() {
		sub.Cancel()
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("api: websocket read failed", "subscription", sub.Key(), "error", err)
			}
			return
		}
	}
}
