// Package ws exposes the chat dispatcher over a websocket connection.
//
// The wire protocol is JSON frames. Inbound frames carry a single user
// message; outbound frames report handling progress: "processing" when
// the message is accepted, a streaming_start / streaming_token /
// streaming_end sequence while reply tokens arrive, then "completed"
// with the full reply, or "error" if handling failed.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/calorisense/calorisense/internal/dispatch"
)

const (
	statusProcessing     = "processing"
	statusStreamingStart = "streaming_start"
	statusStreamingToken = "streaming_token"
	statusStreamingEnd   = "streaming_end"
	statusCompleted      = "completed"
	statusError          = "error"
)

type inboundFrame struct {
	Message string `json:"message"`
}

type outboundFrame struct {
	Status      string `json:"status"`
	Reply       string `json:"reply,omitempty"`
	Token       string `json:"token,omitempty"`
	Intent      string `json:"intent,omitempty"`
	InfoUpdated bool   `json:"info_updated,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Dispatcher handles one classified user message. Implemented by
// dispatch.Dispatcher.
type Dispatcher interface {
	Handle(ctx context.Context, userID, message string, sink dispatch.StreamSink) (dispatch.Result, error)
}

// Handler upgrades chat connections and pumps messages through the
// dispatcher, one frame at a time per connection.
type Handler struct {
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewHandler(d Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve handles GET /chat/ws/{userID}.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}
	defer conn.Close()
	h.logger.Info("chat connection opened", "user", userID)

	for {
		var in inboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			if isClosed(err) {
				h.logger.Info("chat connection closed", "user", userID)
				return
			}
			// Malformed frame on a live connection: report and keep reading.
			if !h.write(conn, userID, outboundFrame{Status: statusError, Message: "invalid frame: expected a JSON object with a message field"}) {
				return
			}
			continue
		}
		if strings.TrimSpace(in.Message) == "" {
			if !h.write(conn, userID, outboundFrame{Status: statusError, Message: "message must not be empty"}) {
				return
			}
			continue
		}
		h.handle(conn, userID, in.Message)
	}
}

func (h *Handler) handle(conn *websocket.Conn, userID, message string) {
	h.write(conn, userID, outboundFrame{Status: statusProcessing})

	// Deliberately not tied to the connection: a client dropping
	// mid-reply must not cancel the upstream call, so the reply still
	// lands in the session and the response cache.
	res, err := h.dispatcher.Handle(context.Background(), userID, message, &connSink{conn: conn})
	if err != nil {
		h.logger.Error("message handling failed", "user", userID, "error", err)
		h.write(conn, userID, outboundFrame{Status: statusError, Message: "Error processing request: " + err.Error()})
		return
	}

	out := outboundFrame{Status: statusCompleted, Reply: res.Reply}
	if res.InfoUpdated {
		out.Intent = res.Intent.String()
		out.InfoUpdated = true
	}
	h.write(conn, userID, out)
}

func (h *Handler) write(conn *websocket.Conn, userID string, frame outboundFrame) bool {
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Warn("websocket write failed", "user", userID, "status", frame.Status, "error", err)
		return false
	}
	return true
}

func isClosed(err error) bool {
	if _, ok := err.(*websocket.CloseError); ok {
		return true
	}
	return websocket.IsUnexpectedCloseError(err) || strings.Contains(err.Error(), "use of closed network connection")
}

// connSink relays streaming reply tokens onto the connection.
type connSink struct {
	conn *websocket.Conn
}

func (s *connSink) Start() error {
	return s.conn.WriteJSON(outboundFrame{Status: statusStreamingStart})
}

func (s *connSink) Token(token string) error {
	return s.conn.WriteJSON(outboundFrame{Status: statusStreamingToken, Token: token})
}

func (s *connSink) End() error {
	return s.conn.WriteJSON(outboundFrame{Status: statusStreamingEnd})
}
