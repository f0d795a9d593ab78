package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/concierge/pkg/orchestrator"
	"github.com/rs/zerolog"
)

const streamWriteTimeout = 10 * time.Second

// streamWriter writes run frames to one websocket connection. It is the
// orchestrator sink of a streamed run, so frames leave in step order.
type streamWriter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger zerolog.Logger
	seq    int64
	failed bool
}

func newStreamWriter(conn *websocket.Conn, logger zerolog.Logger) *streamWriter {
	return &streamWriter{conn: conn, logger: logger}
}

// OnStep implements orchestrator.Sink. A dead connection does not stop the
// run; later frames are dropped.
func (w *streamWriter) OnStep(_ context.Context, runID string, step orchestrator.Step) {
	w.write(StreamMessage{Type: StreamTypeStep, RunID: runID, Step: &step})
}

func (w *streamWriter) writeResult(result orchestrator.RunResult) {
	w.write(StreamMessage{Type: StreamTypeResult, RunID: result.RunID, Result: &result})
}

func (w *streamWriter) writeError(runID, message string) {
	w.write(StreamMessage{Type: StreamTypeError, RunID: runID, Error: message})
}

func (w *streamWriter) write(msg StreamMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed {
		return
	}
	w.seq++
	msg.Seq = w.seq
	msg.Timestamp = time.Now().UnixMilli()

	_ = w.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := w.conn.WriteJSON(msg); err != nil {
		w.failed = true
		w.logger.Warn().
			Err(err).
			Str("type", string(msg.Type)).
			Int64("seq", msg.Seq).
			Msg("Failed to write stream frame")
	}
}

func (w *streamWriter) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.failed {
		msg := websocket.FormatCloseMessage(code, text)
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = w.conn.Close()
}
