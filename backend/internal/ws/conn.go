package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"sheetcollab/backend/internal/sheet"
)

// Conn 服务端的一条连接：读协程处理入站消息，写协程消费 send 队列
type Conn struct {
	ws      *websocket.Conn
	hub     *Hub
	sheetID string
	email   string

	// send 不关闭，done 关闭后写协程退出，残留消息丢弃
	send chan Message
	done chan struct{}
}

func newConn(ws *websocket.Conn, hub *Hub, sheetID, email string) *Conn {
	return &Conn{
		ws:      ws,
		hub:     hub,
		sheetID: sheetID,
		email:   email,
		send:    make(chan Message, hub.opts.SendQueue),
		done:    make(chan struct{}),
	}
}

// Enqueue 队列满了直接丢弃，慢连接不能拖住广播
func (c *Conn) Enqueue(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		glog.Warningf("ws send queue full, drop %s (sheet=%s email=%s)", msg.MessageType(), c.sheetID, c.email)
	}
}

func (c *Conn) stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		if c.hub.opts.ReadTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.ReadTimeout))
		}
		messageType, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("ws read error (sheet=%s email=%s): %v", c.sheetID, c.email, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := Decode(b)
		if err != nil {
			if !errors.Is(err, ErrUnknownType) {
				c.Enqueue(ErrorMessage{Type: TypeError, Message: "bad message"})
			}
			continue
		}

		switch m := msg.(type) {
		case PingMessage:
			// 心跳顺带刷新在线 TTL
			user := sheet.ActiveUser{Email: c.email, Color: c.hub.colors.ColorFor(c.email)}
			if err := c.hub.presence.AddMember(ctx, c.sheetID, user, c.hub.opts.PresenceTTL); err != nil {
				glog.Warningf("presence refresh sheet=%s email=%s error = %v", c.sheetID, c.email, err)
			}
		case CellUpdateMessage:
			c.handleCellUpdate(ctx, m)
		default:
			glog.V(2).Infof("ws ignore %s from %s", msg.MessageType(), c.email)
		}
	}
}

// handleCellUpdate 中继广播。版本落后时不转发原消息：
// 发送方收到 version_conflict，房间里所有人收到服务端的权威值。
func (c *Conn) handleCellUpdate(ctx context.Context, m CellUpdateMessage) {
	if m.SpreadsheetID != "" && m.SpreadsheetID != c.sheetID {
		c.Enqueue(ErrorMessage{Type: TypeError, Message: "spreadsheet_id mismatch"})
		return
	}
	hctx, cancel := context.WithTimeout(ctx, c.hub.opts.HandleTimeout)
	defer cancel()

	if c.hub.limiter != nil {
		if err := c.hub.limiter.Acquire(hctx); err != nil {
			c.Enqueue(ErrorMessage{Type: TypeError, Message: err.Error()})
			return
		}
		defer c.hub.limiter.Release()
	}

	at := m.Cell.Coord()
	stale, current, err := c.hub.backend.CheckBroadcast(hctx, c.sheetID, at, m.Version)
	if err != nil {
		glog.Warningf("check broadcast sheet=%s error = %v", c.sheetID, err)
		c.Enqueue(ErrorMessage{Type: TypeError, Message: "broadcast check failed"})
		return
	}
	if !stale {
		m.SpreadsheetID = c.sheetID
		c.hub.Broadcast(c.sheetID, m, nil)
		return
	}

	glog.Infof("stale broadcast sheet=%s email=%s cell=%s version=%d current=%d",
		c.sheetID, c.email, at, m.Version, current)
	c.Enqueue(VersionConflictMessage{Type: TypeVersionConflict})
	content, err := c.hub.backend.CellAt(hctx, c.sheetID, at)
	if err != nil {
		glog.Warningf("load cell sheet=%s cell=%s error = %v", c.sheetID, at, err)
		return
	}
	c.hub.Broadcast(c.sheetID, CellUpdateMessage{
		Type:          TypeCellUpdate,
		SpreadsheetID: c.sheetID,
		Cell:          NewWireCell(at, content),
		Version:       current,
	}, nil)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			b, err := json.Marshal(msg)
			if err != nil {
				glog.Errorf("ws encode %s error = %v", msg.MessageType(), err)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				glog.Warningf("ws write error (sheet=%s email=%s): %v", c.sheetID, c.email, err)
				// 写失败后关掉连接，读协程随之退出
				c.ws.Close()
				return
			}
		}
	}
}
