package player

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadlineS = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PlayerSession represents a connected player's WebSocket session.
//
// The guild identifier held here mirrors the players.guild column. The
// database row stays authoritative; the mirror is only updated by the guild
// coordinator after a commit and is used for routing packets.
type PlayerSession struct {
	PlayerID int64
	Username string
	Guest    bool

	Conn     *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}
	TraceID  string
	LastSeq  uint64

	mu        sync.Mutex
	guild     string
	lastChat  time.Time
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewPlayerSession creates a new PlayerSession with write goroutine started.
func NewPlayerSession(playerID int64, username string, guest bool, conn *websocket.Conn, logger *zap.Logger) *PlayerSession {
	s := &PlayerSession{
		PlayerID: playerID,
		Username: username,
		Guest:    guest,
		Conn:     conn,
		SendChan: make(chan []byte, sendChanBuf),
		Done:     make(chan struct{}),
		logger:   logger,
	}
	go s.writePump()
	return s
}

func (s *PlayerSession) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *PlayerSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data, ok := <-s.SendChan:
			if !ok {
				return
			}
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log().Warn("ws write error",
					zap.String("username", s.Username),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and sends it non-blocking. Drops if channel full or closed.
func (s *PlayerSession) Send(pkt *Packet) {
	if s.IsClosed() {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	select {
	case s.SendChan <- data:
	case <-s.Done:
	default:
		if !s.IsClosed() {
			s.log().Warn("send channel full, dropping packet",
				zap.String("username", s.Username),
				zap.String("type", pkt.Type))
		}
	}
}

// Notify sends a human-readable message to the player.
func (s *PlayerSession) Notify(message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	s.Send(&Packet{Type: "notify", Payload: payload})
}

// Close signals the writePump to shut down.
func (s *PlayerSession) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// IsClosed returns true if the session has been closed.
func (s *PlayerSession) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// GuildID returns the mirrored guild identifier, "" when none.
func (s *PlayerSession) GuildID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guild
}

// SetGuildID updates the mirrored guild identifier.
func (s *PlayerSession) SetGuildID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guild = id
}

// ClearGuildIDIf clears the mirror only while it still points at id, so a
// late leave for an old guild cannot wipe a newer membership.
func (s *PlayerSession) ClearGuildIDIf(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.guild != id {
		return false
	}
	s.guild = ""
	return true
}

// CheckChatCooldown returns the time since the last guild chat message.
func (s *PlayerSession) CheckChatCooldown() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastChat)
}

// SetChatCooldown marks the current time as last guild chat usage.
func (s *PlayerSession) SetChatCooldown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChat = time.Now()
}

// SendHeartbeatPong sends a pong packet in response to a client ping.
func (s *PlayerSession) SendHeartbeatPong(clientTS int64) {
	type pongPayload struct {
		ClientTS int64 `json:"client_ts"`
		ServerTS int64 `json:"server_ts"`
	}
	payload, _ := json.Marshal(pongPayload{
		ClientTS: clientTS,
		ServerTS: time.Now().UnixMilli(),
	})
	s.Send(&Packet{Type: "pong", Payload: payload})
}

// SetReadDeadline resets the WebSocket read deadline to 60 s from now.
func (s *PlayerSession) SetReadDeadline() {
	_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadlineS))
}
