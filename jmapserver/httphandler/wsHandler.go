package httphandler

import (
	"encoding/json"
	"io"
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/mjl-/jmapd/mlog"
)

// wsSubProtocol is required during the handshake, RFC 8887 section 4.
const wsSubProtocol = "jmap"

// WSHandler adapts the api handler to a websocket channel: each text frame
// carries one request envelope and yields exactly one response frame.
// Frames are processed strictly in order, one at a time.
type WSHandler struct {
	srv websocket.Server
}

func NewWSHandler(ah *APIHandler, logger mlog.Log) *WSHandler {
	wh := &WSHandler{}
	wh.srv = websocket.Server{
		Handshake: func(cfg *websocket.Config, r *http.Request) error {
			for _, p := range cfg.Protocol {
				if p == wsSubProtocol {
					cfg.Protocol = []string{wsSubProtocol}
					return nil
				}
			}
			return websocket.ErrBadWebSocketProtocol
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			r := conn.Request()
			ctx := r.Context()
			log := logger.WithContext(ctx)
			acc := accountFromContext(ctx)

			for {
				var frame []byte
				if err := websocket.Message.Receive(conn, &frame); err != nil {
					if err != io.EOF {
						log.Debugx("reading websocket frame", err)
					}
					return
				}

				resp, problem := ah.ProcessRequest(ctx, acc, frame)
				var out any = resp
				if problem != nil {
					// Request-level errors are sent as a problem object
					// frame, the channel stays usable.
					out = problem
				}
				buf, err := json.Marshal(out)
				if err != nil {
					log.Errorx("marshalling websocket response", err)
					return
				}
				if err := websocket.Message.Send(conn, string(buf)); err != nil {
					log.Debugx("writing websocket frame", err)
					return
				}
			}
		},
	}
	return wh
}

func (wh *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wh.srv.ServeHTTP(w, r)
}
