package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"sheetcollab/backend/internal/ws"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrClosed       = errors.New("channel closed")
	ErrQueueFull    = errors.New("channel send queue full")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler 入站消息按接收顺序、在同一个读协程里逐条回调
type Handler interface {
	HandleMessage(msg ws.Message)
	// Connected 每次连上都会调用；reconnect=false 表示第一次连接
	Connected(reconnect bool)
}

type Settings struct {
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// 0 表示不设读超时：服务端不保证回应 ping
	ReadTimeout   time.Duration
	SendQueueSize int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// 连续失败多少次后放弃，0 表示不限；连接成功后计数清零
	MaxReconnects int
}

func DefaultSettings() *Settings {
	return &Settings{
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendQueueSize:    32,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		MaxReconnects:    10,
	}
}

func (s *Settings) withDefaults() *Settings {
	d := DefaultSettings()
	if s == nil {
		return d
	}
	out := *s
	if out.PingInterval <= 0 {
		out.PingInterval = d.PingInterval
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = d.SendQueueSize
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = d.InitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = d.MaxBackoff
	}
	return &out
}

// Channel 一个打开的表格对应一条实时连接。
// Open 之后由调用方持有，Close 负责取消保活定时器并关闭连接。
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	header   http.Header
	handler  Handler
	settings *Settings
	dialer   *websocket.Dialer

	state atomic.Int32

	mu sync.Mutex
	// 当前连接的发送队列，断线期间为 nil
	send chan []byte

	done chan struct{}
}

func Open(ctx context.Context, url string, header http.Header, handler Handler, settings *Settings) *Channel {
	settings = settings.withDefaults()
	cancelCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		header:   header,
		handler:  handler,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) State() State { return State(c.state.Load()) }

// Done 在运行循环彻底退出后关闭（Close 或重连次数耗尽）
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Close() {
	c.cancel()
	<-c.done
}

// Send 只负责入队，真正的写由写协程完成
func (c *Channel) Send(msg ws.Message) error {
	if c.ctx.Err() != nil || c.State() == StateClosed {
		return ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encode %s", msg.MessageType())
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Channel) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.settings.InitialBackoff
	exp.MaxInterval = c.settings.MaxBackoff
	exp.Multiplier = 2
	// 由 MaxReconnects 控制何时放弃，不按总耗时
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(c.settings.MaxReconnects))
}

func (c *Channel) run() {
	defer close(c.done)
	defer c.state.Store(int32(StateClosed))
	defer c.cancel()

	b := c.newBackOff()
	connected := false
	for {
		c.state.Store(int32(StateConnecting))
		conn, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if err == nil {
			b.Reset()
			c.serve(conn, connected)
			connected = true
		} else {
			glog.Warningf("[ch]dial %s error = %v", c.url, err)
		}
		if c.ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			glog.Errorf("[ch]giving up on %s after %d attempts", c.url, c.settings.MaxReconnects)
			return
		}
		glog.Infof("[ch]reconnect %s in %s", c.url, wait)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serve 处理一条已建立的连接，连接断开或 Close 时返回
func (c *Channel) serve(conn *websocket.Conn, reconnect bool) {
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(c.ctx)
	defer handleCancel()

	send := make(chan []byte, c.settings.SendQueueSize)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	// 注意 send 不关闭，断线后残留的入队直接丢弃
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
	}()

	c.state.Store(int32(StateOpen))
	glog.Infof("[ch]connected %s (reconnect=%t)", c.url, reconnect)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(handleCtx, conn, send)
	}()

	// Close 时主动发关闭帧，并让阻塞中的 ReadMessage 返回
	go func() {
		<-handleCtx.Done()
		if c.ctx.Err() != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.settings.WriteTimeout))
		}
		conn.Close()
	}()

	c.handler.Connected(reconnect)
	c.readLoop(conn)
	handleCancel()
	<-writerDone
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		if c.settings.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		}
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				glog.Warningf("[ch]read %s error = %v", c.url, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[ch]skip frame type=%d", messageType)
			continue
		}
		msg, err := ws.Decode(message)
		if err != nil {
			if errors.Is(err, ws.ErrUnknownType) {
				glog.V(2).Infof("[ch]ignore %v", err)
			} else {
				glog.Warningf("[ch]bad message: %v", err)
			}
			continue
		}
		if msg.MessageType() == ws.TypePing {
			continue
		}
		glog.V(2).Infof("[ch]<- %s", msg.MessageType())
		c.handler.HandleMessage(msg)
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ping, err := json.Marshal(ws.PingMessage{Type: ws.TypePing})
	if err != nil {
		return
	}
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()

	write := func(b []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			// websocket 写超时之后连接不可恢复
			glog.Warningf("[ch]write %s error = %v", c.url, err)
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-send:
			if !write(b) {
				return
			}
		case <-ticker.C:
			if !write(ping) {
				return
			}
			glog.V(2).Infof("[ch]ping ->")
		}
	}
}
