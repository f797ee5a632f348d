// Package futu is a thin client for the OpenD quote gateway's
// websocket API. It exposes subscribe, recent-ticker requests and push
// callbacks; reconnection policy lives with the caller, which rebuilds
// the client on failure.
package futu

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// RetOK is the gateway's success code.
	RetOK = 0

	// SubTypeTicker subscribes the per-trade tick stream.
	SubTypeTicker = "TICKER"

	requestTimeout = 10 * time.Second
	writeDeadline  = 5 * time.Second
	pongWait       = 30 * time.Second
	pingInterval   = 10 * time.Second
)

var ErrClosed = errors.New("futu: connection closed")

type request struct {
	ID      int64    `json:"id"`
	Proto   string   `json:"proto"`
	Symbols []string `json:"symbols,omitempty"`
	Symbol  string   `json:"symbol,omitempty"`
	SubType string   `json:"sub_type,omitempty"`
	Num     int      `json:"num,omitempty"`
}

type response struct {
	ID    int64            `json:"id"`
	Proto string           `json:"proto"`
	Ret   int              `json:"ret"`
	Msg   string           `json:"msg"`
	Data  []map[string]any `json:"data"`
}

// Client is one live gateway connection. Safe for concurrent requests;
// push rows are delivered on the read-loop goroutine, so the OnTicker
// callback must not block.
type Client struct {
	conn *websocket.Conn

	// OnTicker receives push batches. Set it right after Dial, before
	// Subscribe; push frames read while it is nil are discarded.
	OnTicker func(rows []map[string]any)
	// OnError receives asynchronous gateway errors.
	OnError func(err error)

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan response
	closed  bool

	done chan struct{}
}

// Dial connects to the gateway at host:port.
func Dial(host string, port int) (*Client, error) {
	url := fmt.Sprintf("ws://%s:%d/quote", host, port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("futu dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan response),
		done:    make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Subscribe registers the tick stream for all symbols.
func (c *Client) Subscribe(symbols []string) error {
	resp, err := c.roundTrip(request{Proto: "subscribe", Symbols: symbols, SubType: SubTypeTicker})
	if err != nil {
		return err
	}
	if resp.Ret != RetOK {
		return fmt.Errorf("futu subscribe: ret=%d msg=%s", resp.Ret, resp.Msg)
	}
	return nil
}

// Unsubscribe removes the tick stream subscription.
func (c *Client) Unsubscribe(symbols []string) error {
	resp, err := c.roundTrip(request{Proto: "unsubscribe", Symbols: symbols, SubType: SubTypeTicker})
	if err != nil {
		return err
	}
	if resp.Ret != RetOK {
		return fmt.Errorf("futu unsubscribe: ret=%d msg=%s", resp.Ret, resp.Msg)
	}
	return nil
}

// RecentTickers requests the most recent n ticks of one symbol. The
// gateway returns at most n rows; there is no cursoring.
func (c *Client) RecentTickers(symbol string, n int) ([]map[string]any, error) {
	resp, err := c.roundTrip(request{Proto: "get_rt_ticker", Symbol: symbol, Num: n})
	if err != nil {
		return nil, err
	}
	if resp.Ret != RetOK {
		return nil, fmt.Errorf("futu get_rt_ticker %s: ret=%d msg=%s", symbol, resp.Ret, resp.Msg)
	}
	return resp.Data, nil
}

// Ping verifies the gateway still answers requests.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(request{Proto: "get_global_state"})
	if err != nil {
		return err
	}
	if resp.Ret != RetOK {
		return fmt.Errorf("futu get_global_state: ret=%d msg=%s", resp.Ret, resp.Msg)
	}
	return nil
}

// Close tears down the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
	return c.conn.Close()
}

func (c *Client) roundTrip(req request) (response, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return response{}, ErrClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, ErrClosed
		}
		return resp, nil
	case <-time.After(requestTimeout):
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return response{}, fmt.Errorf("futu %s: request timed out", req.Proto)
	}
}

func (c *Client) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("futu marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("futu write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("futu read: %w", err))
			return
		}
		var resp response
		if err := json.Unmarshal(payload, &resp); err != nil {
			log.Printf("[futu] bad frame: %v", err)
			continue
		}

		if resp.Proto == "push_ticker" {
			if c.OnTicker != nil && len(resp.Data) > 0 {
				c.OnTicker(resp.Data)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.fail(fmt.Errorf("futu ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.mu.Unlock()
	if !wasClosed && c.OnError != nil {
		c.OnError(err)
	}
	c.Close()
}
