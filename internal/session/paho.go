package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nugget/printwatch/internal/config"
)

// The printer's embedded broker only speaks MQTT 3.1.1, which is why
// this transport uses paho.mqtt.golang rather than the v5 client used
// by the mirror.
const protocolVersion = 4

// pahoClient adapts a paho.mqtt.golang client to [Client]. Automatic
// reconnection is disabled; [Session.Run] owns the retry loop.
type pahoClient struct {
	client mqtt.Client
	lost   chan error
}

// NewPahoClient builds a client for the printer broker described by p.
// Each call uses a fresh client id so a lingering session on the
// printer never collides with the new one.
func NewPahoClient(p config.PrinterConfig) Client {
	c := &pahoClient{lost: make(chan error, 1)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.BrokerURL())
	opts.SetProtocolVersion(protocolVersion)
	opts.SetClientID("printwatch-" + uuid.NewString()[:8])
	opts.SetUsername(p.Username)
	opts.SetPassword(p.AccessCode)
	opts.SetTLSConfig(&tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.InsecureSkipVerify, //nolint:gosec // printer certs are self-signed
	})
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// RejectedError is returned by Connect when the broker answered the
// CONNECT with a non-zero return code (bad credentials, for example).
type RejectedError struct {
	Code byte
	Err  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connection rejected with result code %d: %v", e.Code, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (c *pahoClient) Connect(ctx context.Context) error {
	tok := c.client.Connect()
	if err := waitToken(ctx, tok); err != nil {
		// CONNACK refusal codes are 1 through 5; network failures are
		// reported with a code outside that range.
		if ct, ok := tok.(*mqtt.ConnectToken); ok && ct.ReturnCode() >= 1 && ct.ReturnCode() <= 5 {
			return &RejectedError{Code: ct.ReturnCode(), Err: err}
		}
		return err
	}
	return nil
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	tok := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return waitToken(ctx, tok)
}

func (c *pahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return waitToken(ctx, c.client.Publish(topic, 0, false, payload))
}

func (c *pahoClient) Lost() <-chan error {
	return c.lost
}

func (c *pahoClient) Disconnect() {
	if c.client.IsConnectionOpen() {
		c.client.Disconnect(250)
	}
}

// waitToken blocks until tok completes or ctx is cancelled.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTransportLogger routes paho.mqtt.golang's internal error and
// warning output through logger. paho keeps these loggers in package
// globals, so call this once at startup.
func SetTransportLogger(logger *slog.Logger) {
	mqtt.CRITICAL = pahoLogger{logger: logger, level: slog.LevelError}
	mqtt.ERROR = pahoLogger{logger: logger, level: slog.LevelError}
	mqtt.WARN = pahoLogger{logger: logger, level: slog.LevelWarn}
}

type pahoLogger struct {
	logger *slog.Logger
	level  slog.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	l.logger.Log(context.Background(), l.level, "mqtt transport",
		"detail", strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.logger.Log(context.Background(), l.level, "mqtt transport",
		"detail", strings.TrimSpace(fmt.Sprintf(format, v...)))
}
