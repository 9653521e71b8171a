package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// SocketIOConfig describes the socket.io endpoint notifications are emitted to.
type SocketIOConfig struct {
	URL                string        `json:"url" yaml:"url"`
	Namespace          string        `json:"namespace" yaml:"namespace"`
	Event              string        `json:"event" yaml:"event"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ConnectTimeout     time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// SocketIOBus emits every notification as one socket.io event.
type SocketIOBus struct {
	io     *socket.Socket
	event  string
	logger experiment.Logger
}

// DialSocketIO connects and waits for the connect or connect_error event.
func DialSocketIO(ctx context.Context, cfg SocketIOConfig, logger experiment.Logger) (*SocketIOBus, error) {
	logger = experiment.WithLoggerFields(experiment.NormalizeLogger(logger), map[string]any{"url": cfg.URL})

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if cfg.Event == "" {
		cfg.Event = "experiment_update"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("notification socket connected as %s", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error = fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &SocketIOBus{io: io, event: cfg.Event, logger: logger}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(cfg.ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", cfg.ConnectTimeout)
	}
}

// Publish emits n; the experiment id doubles as the client-side room name.
func (b *SocketIOBus) Publish(_ context.Context, n Notification) error {
	if b == nil || b.io == nil {
		return fmt.Errorf("socket.io bus not connected")
	}
	b.io.Emit(b.event, n)
	return nil
}

// Close disconnects the client.
func (b *SocketIOBus) Close() error {
	if b == nil || b.io == nil {
		return nil
	}
	b.io.Disconnect()
	return nil
}
