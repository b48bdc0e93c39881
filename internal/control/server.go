package control

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/diorcety/circus/pkg/rpc"
)

// Server exposes a Controller over a websocket, one JSON rpc.Request
// per text frame, one rpc.Reply per response frame — the Go-native
// analogue of spec.md §6's ZeroMQ REP socket, grounded on
// kdlbs-kandev's gorilla/websocket upgrade+loop idiom (streaming.Hub,
// gateway/websocket).
type Server struct {
	controller *Controller
	upgrader   websocket.Upgrader

	// PeerCredCheck, if set, is consulted per connection before any
	// command is accepted (spec.md §6 "endpoint_owner": only the
	// owning uid may issue commands over a unix-domain endpoint).
	PeerCredCheck func(conn net.Conn) bool
}

// NewServer builds a control Server bound to controller.
func NewServer(controller *Controller) *Server {
	return &Server{
		controller: controller,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// ServeHTTP upgrades the request and serves commands until the client
// disconnects or the connection returns a read error.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.PeerCredCheck != nil {
		if netConn := conn.UnderlyingConn(); netConn != nil {
			if !s.PeerCredCheck(netConn) {
				_ = conn.WriteJSON(rpc.Error("not_allowed"))
				return
			}
		}
	}

	for {
		var request rpc.Request
		if err := conn.ReadJSON(&request); err != nil {
			return
		}
		reply := s.controller.Dispatch(request)
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

// DispatchBytes decodes a single raw JSON request and encodes its
// reply, for non-websocket transports (e.g. a unix-socket line
// protocol) that want to reuse the same dispatch path.
func (s *Server) DispatchBytes(data []byte) []byte {
	var request rpc.Request
	if err := json.Unmarshal(data, &request); err != nil {
		out, _ := json.Marshal(rpc.Error("invalid_json"))
		return out
	}
	reply := s.controller.Dispatch(request)
	out, _ := json.Marshal(reply)
	return out
}
