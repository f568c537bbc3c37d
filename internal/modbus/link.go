package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

// ConnectionOptions are the transport bounds derived from configuration.
type ConnectionOptions struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 2 * time.Second
	}
	return o
}

// Link is an established transport to one slave.
type Link interface {
	modbus.Client
	Close() error
}

// Dialer opens a Link for a connection setting. It must honour ctx.
type Dialer func(ctx context.Context, setting types.ConnectionSetting, opts ConnectionOptions) (Link, error)

type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type link struct {
	modbus.Client
	h handler
}

func (l *link) Close() error { return l.h.Close() }

// Dial opens a goburrow TCP or RTU handler for setting.
func Dial(ctx context.Context, setting types.ConnectionSetting, opts ConnectionOptions) (Link, error) {
	opts = opts.withDefaults()

	var h handler
	switch setting.Type {
	case types.ConnectionTCP:
		if setting.TCP == nil {
			return nil, fmt.Errorf("missing tcp setting")
		}
		th := modbus.NewTCPClientHandler(setting.TCP.Address())
		th.Timeout = opts.ConnectTimeout
		th.SlaveId = setting.TCP.UnitID
		th.IdleTimeout = opts.IdleTimeout
		h = th
	case types.ConnectionRTU:
		if setting.RTU == nil {
			return nil, fmt.Errorf("missing rtu setting")
		}
		rh := modbus.NewRTUClientHandler(setting.RTU.SerialPath)
		rh.BaudRate = setting.RTU.BaudRate
		rh.DataBits = setting.RTU.DataBits
		rh.StopBits = setting.RTU.StopBits
		rh.Parity = setting.RTU.Parity
		rh.SlaveId = setting.RTU.UnitID
		rh.Timeout = opts.RequestTimeout
		rh.IdleTimeout = opts.IdleTimeout
		h = rh
	default:
		return nil, fmt.Errorf("unknown connectionType %q", setting.Type)
	}

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- h.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		// the handshake may still complete; release whatever it opens
		go func() {
			if err := <-connectDone; err == nil {
				h.Close()
			}
		}()
		return nil, ctx.Err()
	}

	// connect bound applies to the handshake only
	if th, ok := h.(*modbus.TCPClientHandler); ok {
		th.Timeout = opts.RequestTimeout
	}

	return &link{Client: modbus.NewClient(h), h: h}, nil
}
