package gateway

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleTaskStream pushes background task completions over a websocket so
// callers that received a 202 can learn how their task ended without polling.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	results, cancel := s.engine.Watch()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case result := <-results:
			if err := wsjson.Write(ctx, conn, result); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
