package rmaws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"heatbugs.ai/internal/protocol"
)

var ErrClosed = errors.New("rma client closed")

// Client implements migration.Window over one websocket session. It is safe
// for concurrent use; replies are matched to callers by seq.
type Client struct {
	conn    *websocket.Conn
	log     *log.Logger
	welcome protocol.WelcomeMsg

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.ResultMsg
	err     error

	done chan struct{}
	once sync.Once
}

type DialOptions struct {
	// Rank identifies the sending partition in server logs.
	Rank   int
	RunID  string
	Logger *log.Logger
}

// Dial connects to url, performs the HELLO/WELCOME handshake and starts
// the reply reader.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Rank:            opts.Rank,
		RunID:           opts.RunID,
		Client:          "heatbugs",
	}
	if err := writeJSON(conn, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		log:     logger,
		welcome: welcome,
		pending: map[uint64]chan protocol.ResultMsg{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Welcome is what the server announced at handshake.
func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
		c.fail(ErrClosed)
	})
	return err
}

func (c *Client) FetchAndAdd(ctx context.Context, rank, delta int) (int, error) {
	seq := c.seq.Add(1)
	res, err := c.call(ctx, seq, protocol.FetchAddMsg{
		Type:  protocol.TypeFetchAdd,
		Seq:   seq,
		Rank:  rank,
		Delta: delta,
	})
	if err != nil {
		return 0, err
	}
	if !res.OK {
		return res.Offset, errorFor(res)
	}
	return res.Offset, nil
}

func (c *Client) Put(ctx context.Context, rank, offset int, slots []float64) error {
	seq := c.seq.Add(1)
	res, err := c.call(ctx, seq, protocol.PutMsg{
		Type:   protocol.TypePut,
		Seq:    seq,
		Rank:   rank,
		Offset: offset,
		Slots:  slots,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return errorFor(res)
	}
	return nil
}

func (c *Client) call(ctx context.Context, seq uint64, msg any) (protocol.ResultMsg, error) {
	ch := make(chan protocol.ResultMsg, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.ResultMsg{}, err
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeJSON(c.conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(seq)
		c.fail(fmt.Errorf("write: %w", err))
		return protocol.ResultMsg{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-c.done:
		c.forget(seq)
		return protocol.ResultMsg{}, c.closedErr()
	case <-ctx.Done():
		c.forget(seq)
		return protocol.ResultMsg{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		var res protocol.ResultMsg
		if err := json.Unmarshal(msg, &res); err != nil || res.Type != protocol.TypeResult {
			c.log.Printf("rma client: unexpected message %.120s", msg)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[res.Seq]
		delete(c.pending, res.Seq)
		c.mu.Unlock()
		if !ok {
			// seq 0 means the server could not parse the request at all, so
			// some caller will never get its reply.
			if res.Seq == 0 {
				c.log.Printf("rma client: unattributable result code=%s msg=%s", res.Code, res.Message)
				c.fail(fmt.Errorf("unattributable result: %w", &RemoteError{Code: res.Code, Message: res.Message}))
				_ = c.conn.Close()
				return
			}
			// A caller that gave up on its context already forgot its seq.
			c.log.Printf("rma client: unmatched result seq=%d code=%s msg=%s", res.Seq, res.Code, res.Message)
			continue
		}
		ch <- res
	}
}

func (c *Client) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// fail records the first terminal error and releases every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}
