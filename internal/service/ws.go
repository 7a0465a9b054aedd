package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/techresidents/chatsvc/internal/handlers"
)

// handleWebsocket is a delivery shim over the long-poll read path: it
// upgrades the connection and streams each non-empty GetMessages batch
// as a JSON text frame. Client frames other than close are ignored; a
// write failure or dispatcher error ends the stream.
func (s *httpServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("chatToken")
	var rc handlers.RequestContext
	rc.UserID, _ = strconv.ParseInt(q.Get("userId"), 10, 64)
	asOf, _ := strconv.ParseFloat(q.Get("asOf"), 64)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close are answered.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		default:
		}

		msgs, err := s.dispatcher.GetMessages(r.Context(), rc, token, asOf, true, 0)
		if err != nil {
			s.logger.Debug().Err(err).Str("chat_token", token).Msg("websocket read ended")
			return
		}
		if len(msgs) == 0 {
			continue // long-poll timeout, poll again
		}
		for _, m := range msgs {
			if m.Header.Timestamp > asOf {
				asOf = m.Header.Timestamp
			}
		}

		frame, err := json.Marshal(messagesResponse{Messages: msgs})
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := wsutil.WriteServerText(conn, frame); err != nil {
			s.logger.Debug().Err(err).Str("chat_token", token).Msg("websocket write failed")
			return
		}
	}
}
