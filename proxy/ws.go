package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// wsClient is one connected WebSocket peer. Requests are answered with the
// same dispatch path as HTTP.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	mu     sync.Mutex
	closed bool
}

func (s *Server) startWebSocket(port string) error {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	wsServer := gin.New()
	wsServer.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[WS] %s - %s %s %d\n",
				param.TimeStamp.Format("2006-01-02 15:04:05"),
				param.Method,
				param.Path,
				param.StatusCode,
			)
		},
	}))
	wsServer.Use(gin.Recovery())
	wsServer.GET("/", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.log.Errorf("Failed to upgrade connection to WebSocket: %v", err)
			return
		}
		client := &wsClient{
			conn:   conn,
			send:   make(chan []byte, 256),
			server: s,
		}
		go client.writePump()
		go client.readPump()
	})

	return wsServer.Run(port)
}

func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Errorf("WebSocket read error: %v", err)
			}
			break
		}

		var req rpcRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.server.log.Errorf("Failed to parse WebSocket message: %v", err)
			continue
		}

		resp := c.server.dispatch(context.Background(), &req)
		responseBytes, err := json.Marshal(resp)
		if err != nil {
			c.server.log.Errorf("Failed to marshal WebSocket response: %v", err)
			continue
		}

		c.mu.Lock()
		if !c.closed {
			c.send <- responseBytes
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.mu.Lock()
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.closed = true
				c.mu.Unlock()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		case <-ticker.C:
			c.mu.Lock()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}
