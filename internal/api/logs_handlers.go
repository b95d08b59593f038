package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zmtools/zmagent/internal/logs"
)

// GET /api/v1/logs
func (s *Server) LogsList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.logs.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []logs.Info{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": infos})
}

// GET /api/v1/logs/{worker}?tail=N or ?full=1
func (s *Server) LogRead(w http.ResponseWriter, r *http.Request) {
	worker := chi.URLParam(r, "worker")

	if queryBool(r.URL.Query().Get("full"), false) {
		raw, err := s.logs.ReadAll(worker)
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(raw)
		return
	}

	n, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	if n <= 0 {
		n = s.settings.Snapshot().LogTail
	}
	lines, err := s.logs.Tail(worker, n)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if lines == nil {
		lines = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"worker": worker, "lines": lines})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard runs on another port
	},
}

// GET /ws/logs/{worker}
// Streams lines appended to the worker's log after the connection opens.
func (s *Server) LogsWS(w http.ResponseWriter, r *http.Request) {
	worker := chi.URLParam(r, "worker")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[WARN] api: ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)

	// drain client frames so pings and close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for line := range s.logs.Follow(worker, stop) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
}
