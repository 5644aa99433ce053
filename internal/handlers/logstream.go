package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LogStreamHandler serves GET /api/logs/stream: a websocket tail of this
// process's own arbor memory-writer buffer, for watching the Scheduler/
// Watchdog/Reoptimizer loops operate without shelling into the log file.
// Distinct from the structured per-event logging EventService's logger
// subscriber writes — this just tails whatever already landed there.
type LogStreamHandler struct {
	logger arbor.ILogger
}

func NewLogStreamHandler(logger arbor.ILogger) *LogStreamHandler {
	return &LogStreamHandler{logger: logger}
}

// Stream upgrades the connection and pushes new memory-writer entries every
// second until the client disconnects.
func (h *LogStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := logStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("logstream: upgrade failed")
		return
	}
	defer conn.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)

	send := func() bool {
		memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
		var entries map[string]string
		if memWriter != nil {
			entries, err = memWriter.GetEntriesWithLimit(100)
		} else {
			entries, err = h.logger.GetMemoryLogsWithLimit(100)
		}
		if err != nil {
			h.logger.Warn().Err(err).Msg("logstream: read memory log entries failed")
			return true
		}

		mu.Lock()
		defer mu.Unlock()
		for key, line := range entries {
			if seen[key] {
				continue
			}
			seen[key] = true
			if writeErr := conn.WriteMessage(websocket.TextMessage, []byte(line)); writeErr != nil {
				return false
			}
		}
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if !send() {
			return
		}
	}
}
