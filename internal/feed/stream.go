package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kairos/internal/domain"
	"kairos/internal/util"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// StreamConfig configures a StreamSource.
type StreamConfig struct {
	URL          string
	Symbol       string
	StepSeconds  int64
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Topic is the ticker channel subscribed to for the configured symbol.
func (c StreamConfig) Topic() string {
	return "/market/ticker:" + c.Symbol
}

// envelope is the frame layout of the ticker feed.
type envelope struct {
	Type  string      `json:"type"`
	Topic string      `json:"topic"`
	Data  *tickerData `json:"data,omitempty"`
}

type tickerData struct {
	Time  int64      `json:"time"`
	Price flexNumber `json:"price"`
	Size  flexNumber `json:"size"`
}

// flexNumber accepts a JSON number or a numeric string. An absent or empty
// value decodes as unset.
type flexNumber struct {
	v   float64
	set bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		n.v, n.set = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	n.v, n.set = v, true
	return nil
}

type controlMessage struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// Compile-time interface check.
var _ Source = (*StreamSource)(nil)

// StreamSource turns a websocket ticker feed into bars. Connect must be
// called before Next.
type StreamSource struct {
	cfg    StreamConfig
	agg    *Aggregator
	logger *slog.Logger

	conn      *websocket.Conn
	msgs      chan []byte
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	readErr   error
	flushed   bool
}

// NewStreamSource validates cfg and prepares a source.
func NewStreamSource(cfg StreamConfig, logger *slog.Logger) (*StreamSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("stream: url is required")
	}
	if cfg.Symbol == "" {
		return nil, errors.New("stream: symbol is required")
	}
	agg, err := NewAggregator(cfg.Symbol, cfg.StepSeconds)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &StreamSource{
		cfg:    cfg.withDefaults(),
		agg:    agg,
		logger: logger,
		msgs:   make(chan []byte, 1024),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}, nil
}

// Connect dials the feed, subscribes to the ticker topic and starts the
// read and keep-alive pumps.
func (s *StreamSource) Connect(ctx context.Context) error {
	s.logger.Info("connecting to stream", "url", s.cfg.URL, "topic", s.cfg.Topic())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("stream dial %s: %w", s.cfg.URL, err)
	}
	s.conn = conn

	sub := controlMessage{
		ID:       "sub-" + uuid.NewString(),
		Type:     "subscribe",
		Topic:    s.cfg.Topic(),
		Response: true,
	}
	if err := s.writeJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("stream subscribe: %w", err)
	}

	s.wg.Add(2)
	go s.readPump()
	go s.pingPump()
	return nil
}

// Report returns the aggregation counters.
func (s *StreamSource) Report() AggregationReport { return s.agg.Report() }

// Next blocks until a bar completes. A normal close from the server ends
// the stream after the bar under construction is flushed.
func (s *StreamSource) Next(ctx context.Context) (domain.Bar, bool, error) {
	for {
		// Frames read before a terminal error are still delivered.
		select {
		case msg := <-s.msgs:
			if bar, ok, err := s.handle(msg); err != nil || ok {
				return bar, ok, err
			}
			continue
		default:
		}
		if s.readErr != nil {
			return s.finish()
		}

		select {
		case <-ctx.Done():
			return domain.Bar{}, false, ctx.Err()
		case <-s.done:
			return domain.Bar{}, false, ErrStreamClosed
		case msg := <-s.msgs:
			if bar, ok, err := s.handle(msg); err != nil || ok {
				return bar, ok, err
			}
		case err := <-s.errs:
			s.readErr = err
		}
	}
}

func (s *StreamSource) handle(msg []byte) (domain.Bar, bool, error) {
	tick, ok, err := s.decode(msg)
	if err != nil || !ok {
		return domain.Bar{}, false, err
	}
	bar, ok := s.agg.Ingest(tick)
	return bar, ok, nil
}

func (s *StreamSource) finish() (domain.Bar, bool, error) {
	if !websocket.IsCloseError(s.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return domain.Bar{}, false, fmt.Errorf("stream read: %w", s.readErr)
	}
	if !s.flushed {
		s.flushed = true
		if bar, ok := s.agg.Flush(); ok {
			return bar, true, nil
		}
	}
	return domain.Bar{}, false, nil
}

// decode extracts a tick from a ticker frame. Other frames (welcome, ack,
// pong) are ignored.
func (s *StreamSource) decode(msg []byte) (domain.Tick, bool, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.logger.Debug("ignoring undecodable frame", "error", err)
		return domain.Tick{}, false, nil
	}
	if env.Type != "message" || env.Topic != s.cfg.Topic() {
		return domain.Tick{}, false, nil
	}
	if env.Data == nil {
		return domain.Tick{}, false, errors.New("stream: ticker message missing data")
	}
	if env.Data.Time <= 0 {
		return domain.Tick{}, false, fmt.Errorf("stream: invalid timestamp %d", env.Data.Time)
	}
	if !env.Data.Price.set {
		return domain.Tick{}, false, errors.New("stream: ticker message missing price")
	}
	t := domain.Tick{Timestamp: env.Data.Time, Price: env.Data.Price.v}
	if env.Data.Size.set {
		q := env.Data.Size.v
		t.Qty = &q
	}
	return t, true, nil
}

// Close stops the pumps and closes the connection.
func (s *StreamSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.wg.Wait()
	})
	return err
}

func (s *StreamSource) readPump() {
	defer s.wg.Done()
	s.conn.SetReadLimit(5 << 20)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *StreamSource) pingPump() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ping := controlMessage{ID: "ping-" + uuid.NewString(), Type: "ping"}
			if err := s.writeJSON(ping); err != nil {
				s.logger.Warn("stream ping failed", "error", err)
				return
			}
		}
	}
}

// writeJSON is only called from Connect, before the ping pump starts, and
// from the ping pump, so writes never overlap.
func (s *StreamSource) writeJSON(v any) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteJSON(v)
}
