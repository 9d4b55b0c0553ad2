package process

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit is the largest message either side reads.
const readLimit = 32768

// chunkSize bounds the payload of one message. Payloads are base64-encoded in JSON, so this leaves room for the envelope.
const chunkSize = readLimit / 3

// wsJSONWriter sends each written chunk as one or more JSON messages.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with a chunk of the bytes passed to Write, and the return value is sent as a JSON message.
	writeMsg func(b []byte) any
	// closeMsg, if set, is called when the writer is closed, and the return value is sent as a JSON message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		end := written + chunkSize
		if end > len(b) {
			end = len(b)
		}
		if err := wsjson.Write(w.ctx, w.conn, w.writeMsg(b[written:end])); err != nil {
			w.log.Debugf("write error after %d of %d bytes: %s", written, len(b), err)
			return written, err
		}
		written = end
	}
	return written, nil
}

func (w *wsJSONWriter) Close() error {
	if w.closeMsg == nil {
		return nil
	}
	err := wsjson.Write(w.ctx, w.conn, w.closeMsg())
	w.log.Debugw("closed writer", "Error", err)
	return err
}
