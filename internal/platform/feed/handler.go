package feed

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// sendBuffer is the number of events queued per client before drops start.
const sendBuffer = 256

// Handler upgrades HTTP requests to WebSocket feed connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler returns a handler bound to hub. allowedOrigins follows the CORS
// setting: "*" accepts any origin, and requests without an Origin header
// (non-browser clients) are always accepted.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

// RegisterRoutes registers GET /hl7v2/events on g.
func (fh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/hl7v2/events", fh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// its pumps. Initial topics come from the comma-separated "topics" query
// parameter and default to TopicAll.
func (fh *Handler) HandleConnect(c echo.Context) error {
	ws, err := fh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}

	fh.serve(&Client{
		ID:     uuid.New().String(),
		Topics: initialTopics(c.QueryParam("topics")),
		Send:   make(chan []byte, sendBuffer),
		conn:   ws,
	})
	return nil
}

func (fh *Handler) serve(client *Client) {
	fh.hub.Register(client)
	go fh.writePump(client)
	go fh.readPump(client)
}

func initialTopics(param string) []string {
	var topics []string
	for _, t := range strings.Split(param, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{TopicAll}
	}
	return topics
}

// readPump applies subscription changes until the connection fails.
func (fh *Handler) readPump(client *Client) {
	defer func() {
		fh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		fh.hub.ProcessMessage(client, msg)
	}
}

// writePump forwards queued events until Send is closed or a write fails.
func (fh *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
