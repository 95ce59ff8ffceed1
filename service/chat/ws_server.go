package chat

import (
	"context"
	"net/http"
	"time"

	"PPIM/logger"
	"PPIM/tools/ids"
	"PPIM/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 5 * time.Second
	pingPeriod = 25 * time.Second
	pongWait   = 75 * time.Second
)

// Server owns the websocket endpoint: handshake auth, one reader and one
// writer goroutine per connection, frame dispatch into the gateway.
type Server struct {
	gw      *Gateway
	jwtOpts security.Options
	tenant  string // fallback when the token carries no tenant claim
}

func NewServer(gw *Gateway, jwtOpts security.Options, defaultTenant string) *Server {
	return &Server{gw: gw, jwtOpts: jwtOpts, tenant: defaultTenant}
}

// HandleWS is the gin route for GET /ws?token=...
func (s *Server) HandleWS(c *gin.Context) {
	token := c.Query("token")
	id, err := security.Verify(s.jwtOpts, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	tenant := id.TenantID
	if tenant == "" {
		tenant = s.tenant
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	client := NewClient(ids.GenerateString(), id.UserID, tenant, ws, 256)
	ctx := c.Request.Context()
	if err := s.gw.OnConnect(ctx, client); err != nil {
		logger.Error("connect setup failed",
			zap.String("user", client.UserID), zap.Error(err))
		_ = ws.Close()
		return
	}
	logger.Infof("[ws] connected user=%s conn=%s", client.UserID, client.ConnID)

	go s.writePump(client)
	s.readPump(client)

	// Reader exited: tear the session down.
	{
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.gw.OnDisconnect(dctx, client)
		cancel()
	}
	client.CloseSend()
	_ = ws.Close()
	logger.Infof("[ws] disconnected user=%s conn=%s", client.UserID, client.ConnID)
}

// readPump is the only reader of the connection.
func (s *Server) readPump(c *Client) {
	_ = c.WS.SetReadDeadline(time.Now().Add(pongWait))
	c.WS.SetPongHandler(func(string) error {
		_ = c.WS.SetReadDeadline(time.Now().Add(pongWait))
		s.gw.reg.Heartbeat(c.ConnID)
		return nil
	})
	for {
		mt, data, err := c.WS.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] read error conn=%s: %v", c.ConnID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = c.WS.SetReadDeadline(time.Now().Add(pongWait))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.gw.HandleFrame(ctx, c, data)
		cancel()
	}
}

// writePump is the only writer of the connection.
func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.Done():
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.WS.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.Send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Infof("[ws] write error conn=%s: %v", c.ConnID, err)
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
