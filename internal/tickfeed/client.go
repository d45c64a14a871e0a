// Package tickfeed implements source.TickSource over a websocket quote stream.
package tickfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/source"
)

// Config configures websocket client behavior.
type Config struct {
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is how long the connection may stay silent. Pongs extend it.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// Mode is the quote depth requested from the feed.
	Mode string
	// Buffer is the tick channel capacity.
	Buffer int
}

// DefaultConfig returns default websocket configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		Mode:             "quote",
		Buffer:           1024,
	}
}

// Client dials one websocket connection per Subscribe call. It never
// reconnects by itself; the caller decides when to subscribe again.
type Client struct {
	endpoint string
	header   http.Header
	config   Config
	logger   logrus.FieldLogger
}

// Options contains configuration for creating a Client.
type Options struct {
	Endpoint string
	Header   http.Header // sent with the handshake, e.g. Authorization
	Config   *Config     // defaults to DefaultConfig()
	Logger   logrus.FieldLogger
}

// Compile-time interface check.
var _ source.TickSource = (*Client)(nil)

// New creates a tick feed client.
func New(opts Options) *Client {
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		endpoint: opts.Endpoint,
		header:   opts.Header,
		config:   cfg,
		logger:   logger.WithField("component", "tickfeed"),
	}
}

// Subscribe dials the feed, subscribes instruments and streams decoded ticks.
// The channel is closed when the connection drops, the server reports an
// error, or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, instruments []domain.Instrument) (<-chan domain.Tick, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("subscribe: no instruments")
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, c.header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	byToken := make(map[string]domain.Instrument, len(instruments))
	req := subscribeRequest{
		CorrelationID: uuid.NewString(),
		Action:        actionSubscribe,
		Params:        subscribeParams{Mode: c.config.Mode},
	}
	for _, inst := range instruments {
		exchange := inst.Exchange
		if exchange == "" {
			exchange = domain.DefaultExchange
		}
		byToken[inst.Token] = inst
		req.Params.Tokens = append(req.Params.Tokens, tokenRef{Exchange: exchange, Token: inst.Token})
	}

	s := &stream{
		conn:    conn,
		config:  c.config,
		byToken: byToken,
		logger:  c.logger.WithField("correlation_id", req.CorrelationID),
	}

	if err := s.writeJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	out := make(chan domain.Tick, c.config.Buffer)
	connCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pingLoop(connCtx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.readLoop(connCtx, out)
	}()
	go func() {
		<-connCtx.Done()
		s.close()
		wg.Wait()
		close(out)
	}()

	s.logger.Infof("subscribed %d instruments at %s", len(instruments), c.endpoint)
	return out, nil
}

// stream is one live connection.
type stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	config  Config
	byToken map[string]domain.Instrument
	logger  logrus.FieldLogger
	once    sync.Once
}

func (s *stream) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *stream) close() {
	s.once.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// readLoop decodes messages until the connection fails or ctx ends.
func (s *stream) readLoop(ctx context.Context, out chan<- domain.Tick) {
	s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warnf("connection closed: %v", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		tick, ok, err := s.decode(message)
		if err != nil {
			s.logger.Warn(err)
			var feedErr *FeedError
			if errors.As(err, &feedErr) {
				return
			}
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				// The read loop observes the broken connection.
				return
			}
		}
	}
}

// FeedError is an error message pushed by the server. It ends the stream.
type FeedError struct {
	Code    string
	Message string
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed error %s: %s", e.Code, e.Message)
}

// decode turns one message into a tick. ok is false for acks and heartbeats.
func (s *stream) decode(message []byte) (domain.Tick, bool, error) {
	var msg feedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return domain.Tick{}, false, fmt.Errorf("decode message: %w", err)
	}

	switch msg.Type {
	case typeTick:
	case typeError:
		return domain.Tick{}, false, &FeedError{Code: msg.Code, Message: msg.Message}
	default:
		return domain.Tick{}, false, nil
	}

	inst, known := s.byToken[msg.Token]
	if !known {
		return domain.Tick{}, false, nil
	}

	tick := domain.Tick{
		Symbol: inst.Symbol,
		Token:  inst.Token,
		Volume: msg.Volume,
	}
	fields := []struct {
		dst *decimal.Decimal
		src json.Number
	}{
		{&tick.LastPrice, msg.LastPrice},
		{&tick.Open, msg.Open},
		{&tick.High, msg.High},
		{&tick.Low, msg.Low},
		{&tick.Close, msg.Close},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		v, err := decimal.NewFromString(f.src.String())
		if err != nil {
			return domain.Tick{}, false, fmt.Errorf("decode %s price: %w", inst.Symbol, err)
		}
		*f.dst = v
	}
	if msg.ExchangeTimestamp > 0 {
		tick.ExchangeTime = time.UnixMilli(msg.ExchangeTimestamp)
	}

	return tick, true, nil
}
