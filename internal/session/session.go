// Package session owns the connection to a printer's local MQTT
// broker. A [Session] connects over TLS, subscribes to the printer's
// report topic, asks for a full status push, and then hands every
// report to a [Handler] until the connection drops. Dropped or failed
// connections are retried after a fixed delay, forever, until the
// context passed to [Session.Run] is cancelled.
//
// Transport callbacks never run application code directly. Connection
// loss and inbound messages are funnelled into the goroutine running
// Run, so the handler sees messages one at a time, in delivery order,
// and never concurrently with connection handling.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/printwatch/internal/config"
)

// PushAll is the bootstrap request published after every connect. It
// makes the printer send a full status snapshot instead of waiting for
// the next periodic report.
var PushAll = map[string]any{
	"pushing": map[string]any{
		"sequence_id": "0",
		"command":     "pushall",
	},
}

// inboundBuffer is how many reports may queue between the transport
// and the handler before the transport's delivery goroutine blocks.
const inboundBuffer = 64

// ErrNotConnected is returned by a [Client] asked to publish without a
// live connection.
var ErrNotConnected = errors.New("not connected")

// MessageHandler receives raw messages from a [Client] subscription.
type MessageHandler func(topic string, payload []byte)

// Client is the transport a Session drives. A Client is used for one
// connection attempt only; the Session builds a new one per attempt.
type Client interface {
	// Connect dials, performs the TLS handshake and authenticates.
	Connect(ctx context.Context) error
	// Subscribe registers handler for topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	// Publish hands payload to the transport for delivery.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Lost delivers the error that ended an established connection.
	Lost() <-chan error
	// Disconnect closes the connection. Safe to call when not connected.
	Disconnect()
}

// Dialer builds a fresh Client for the given printer.
type Dialer func(p config.PrinterConfig) Client

// Handler processes one report. It runs on the Run goroutine.
type Handler func(ctx context.Context, topic string, payload []byte)

// Session manages the printer connection lifecycle.
type Session struct {
	printer config.PrinterConfig
	delay   time.Duration
	dial    Dialer
	handler Handler
	onState func(ConnState)
	logger  *slog.Logger

	mu     sync.Mutex
	client Client
	state  ConnState
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the default paho.mqtt.golang transport.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithStateHook registers fn to be called on every connection state
// change. It runs on the Run goroutine and must not block for long.
func WithStateHook(fn func(ConnState)) Option {
	return func(s *Session) { s.onState = fn }
}

// New creates a Session. It does not connect; call [Session.Run].
// A non-positive delay falls back to the default reconnect delay.
func New(printer config.PrinterConfig, delay time.Duration, handler Handler, logger *slog.Logger, opts ...Option) *Session {
	if delay <= 0 {
		delay = config.DefaultReconnectDelaySec * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		printer: printer,
		delay:   delay,
		dial:    NewPahoClient,
		handler: handler,
		logger:  logger,
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run connects and processes reports until ctx is cancelled. Every
// connection failure or loss is logged and followed by a fixed delay
// before the next attempt. Run returns nil once ctx is done; it never
// returns for any other reason.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}
		if err != nil {
			s.logger.Error("printer session ended", "error", err)
		}

		s.logger.Info("connection lost, waiting before reconnecting",
			"delay", s.delay.String(),
		)
		if !sleepCtx(ctx, s.delay) {
			s.setState(StateDisconnected)
			return nil
		}
	}
}

type inbound struct {
	topic   string
	payload []byte
}

// connectAndServe runs one connection from dial to loss. It returns
// nil only when ctx was cancelled.
func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)
	client := s.dial(s.printer)

	s.logger.Info("connecting to printer",
		"broker", s.printer.BrokerURL(),
		"insecure_skip_verify", s.printer.InsecureSkipVerify,
	)
	if err := client.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			s.logger.Error("failed to connect", "result_code", rejected.Code)
		}
		client.Disconnect()
		s.setState(StateFailed)
		return fmt.Errorf("connect %s: %w", s.printer.BrokerURL(), err)
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		s.setClient(nil)
		client.Disconnect()
	}()
	s.setClient(client)
	s.setState(StateConnected)
	s.logger.Info("connected to printer", "serial", s.printer.Serial)

	msgs := make(chan inbound, inboundBuffer)
	topic := s.printer.ReportTopic()
	err := client.Subscribe(ctx, topic, func(topic string, payload []byte) {
		select {
		case msgs <- inbound{topic: topic, payload: payload}:
		case <-done:
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateFailed)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.logger.Info("subscribed", "topic", topic)

	s.Publish(ctx, s.printer.RequestTopic(), PushAll)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-client.Lost():
			// Reports delivered before the loss still count.
			s.drain(ctx, msgs)
			s.logger.Warn("disconnected from printer", "error", err)
			s.setState(StateDisconnected)
			return fmt.Errorf("connection lost: %w", err)
		case m := <-msgs:
			s.handle(ctx, m)
		}
	}
}

func (s *Session) handle(ctx context.Context, m inbound) {
	if s.handler != nil {
		s.handler(ctx, m.topic, m.payload)
	}
}

// drain handles whatever is already queued without waiting for more.
func (s *Session) drain(ctx context.Context, msgs <-chan inbound) {
	for {
		select {
		case m := <-msgs:
			s.handle(ctx, m)
		default:
			return
		}
	}
}

// Publish JSON-encodes payload and hands it to the current connection.
// It reports whether the transport accepted the message, not whether
// the printer received it. Failures are logged, never returned.
func (s *Session) Publish(ctx context.Context, topic string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode command", "topic", topic, "error", err)
		return false
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		s.logger.Warn("failed to send command", "topic", topic, "error", ErrNotConnected)
		return false
	}
	if err := client.Publish(ctx, topic, data); err != nil {
		s.logger.Warn("failed to send command", "topic", topic, "error", err)
		return false
	}

	s.logger.Info("sent command", "topic", topic, "payload", string(data))
	return true
}

func (s *Session) setClient(c Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Session) setState(st ConnState) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()

	if changed {
		s.logger.Debug("connection state", "state", st.String())
		if s.onState != nil {
			s.onState(st)
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
