package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/distributor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamHandler upgrades clients to WebSocket and relays one distributor
// topic to them as JSON messages.
type StreamHandler struct {
	distributor *distributor.Distributor
	upgrader    websocket.Upgrader
}

func NewStreamHandler(d *distributor.Distributor) *StreamHandler {
	return &StreamHandler{
		distributor: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// dashboards are served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeFleet streams every sample.
func (h *StreamHandler) ServeFleet(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, distributor.FleetTopic)
}

// ServeVehicle streams the samples of the vehicle named in the path.
func (h *StreamHandler) ServeVehicle(w http.ResponseWriter, r *http.Request) {
	topic, err := distributor.ParseTopic(distributor.VehicleTopic(mux.Vars(r)["vehicleId"]))
	if err != nil {
		http.Error(w, "Invalid vehicle id", http.StatusBadRequest)
		return
	}
	h.serve(w, r, topic)
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.distributor.Subscribe(topic)
	defer h.distributor.Unsubscribe(sub)

	logger := log.WithFields(log.Fields{"topic": topic, "remote": r.RemoteAddr})
	logger.Info("Stream subscriber connected")
	defer logger.Info("Stream subscriber disconnected")

	// The read side only handles control frames and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case sample, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(sample); err != nil {
				logger.WithError(err).Debug("Stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
