package sink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/transcript"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	clientQueue = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broadcaster pushes every sentence line to connected display clients over
// websocket. A client whose queue is full is disconnected; the capture
// pipeline never waits on a display.
type Broadcaster struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*displayClient]struct{}
	closed  bool
}

type displayClient struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *displayClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger,
		clients: make(map[*displayClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams lines until the client leaves.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Display client upgrade failed")
		return
	}

	client := &displayClient{
		ws:   ws,
		send: make(chan []byte, clientQueue),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "capture finished"))
		_ = ws.Close()
		return
	}
	b.clients[client] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()

	b.logger.Info().Str("remote", r.RemoteAddr).Int("clients", count).Msg("Display client connected")

	go b.writePump(client)
	b.readPump(client)
}

// readPump discards inbound frames and notices when the client goes away
func (b *Broadcaster) readPump(c *displayClient) {
	defer b.remove(c)

	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writePump(c *displayClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.remove(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case line := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broadcaster) remove(c *displayClient) {
	b.mu.Lock()
	_, present := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()

	c.close()
	if present {
		b.logger.Info().Msg("Display client disconnected")
	}
}

// Write queues the sentence line for every client.
func (b *Broadcaster) Write(_ context.Context, s transcript.Sentence) error {
	line := []byte(s.Line())

	var slow []*displayClient
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- line:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn().Msg("Display client too slow, disconnecting")
		b.remove(c)
	}
	return nil
}

// Clients returns the number of connected display clients.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client and refuses new ones.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	b.closed = true
	clients := make([]*displayClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*displayClient]struct{})
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}
