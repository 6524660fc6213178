package realtime

import (
	"context"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// writeTimeout bounds one frame write to a client.
const writeTimeout = 5 * time.Second

// wsFrame is the wire shape for both directions: an event name plus its
// payload.
type wsFrame struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// eventJoinUser subscribes the connection to a user's notification room.
const eventJoinUser = "join:user"

// Handler upgrades the request to a WebSocket session on the hub. Inbound
// traffic is limited to room membership messages; board data flows outward
// only. origins carries the allowed cross-origin hosts, matching the CORS
// configuration; empty or "*" admits any origin.
func Handler(hub *Hub, origins []string, logger *log.Logger) echo.HandlerFunc {
	if logger == nil {
		logger = log.StandardLogger()
	}
	accept := acceptOptions(origins)
	return func(c echo.Context) error {
		conn, err := websocket.Accept(c.Response(), c.Request(), accept)
		if err != nil {
			logger.Errorf("websocket accept: %v", err)
			return nil
		}

		session := hub.Register()
		defer func() {
			hub.Unregister(session)
			conn.CloseNow()
		}()

		ctx, cancel := context.WithCancel(c.Request().Context())
		defer cancel()

		go writeLoop(ctx, conn, session)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return nil
			}
			var frame wsFrame
			if err := sonic.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Event != eventJoinUser {
				continue
			}
			var userID string
			if err := sonic.Unmarshal(frame.Data, &userID); err != nil || userID == "" {
				continue
			}
			hub.Join(session, userID)
		}
	}
}

// acceptOptions translates origin URLs into host patterns for the upgrade
// check. Origins are given as URLs in config; the origin check matches hosts.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range origins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
			continue
		}
		opts.OriginPatterns = append(opts.OriginPatterns, origin)
	}
	if len(opts.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	return opts
}

func writeLoop(ctx context.Context, conn *websocket.Conn, session *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-session.Frames():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
