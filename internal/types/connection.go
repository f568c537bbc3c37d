package types

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

type ConnectionType string

const (
	ConnectionTCP ConnectionType = "tcp"
	ConnectionRTU ConnectionType = "rtu"
)

// ConnectionSetting is a tagged union; ConnectionType names the active variant.
type ConnectionSetting struct {
	Type ConnectionType `json:"connectionType"`
	TCP  *TCPSetting    `json:"tcp,omitempty"`
	RTU  *RTUSetting    `json:"rtu,omitempty"`
}

type TCPSetting struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	UnitID uint8  `json:"unitId"`
}

func (t TCPSetting) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

type RTUSetting struct {
	SerialPath string `json:"serialPath"`
	BaudRate   int    `json:"baudRate"`
	DataBits   int    `json:"dataBits"`
	StopBits   int    `json:"stopBits"`
	Parity     string `json:"parity"`
	UnitID     uint8  `json:"unitId"`
}

func (c *ConnectionSetting) UnmarshalJSON(data []byte) error {
	type raw ConnectionSetting
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	r.Type = ConnectionType(strings.ToLower(strings.TrimSpace(string(r.Type))))
	switch r.Type {
	case ConnectionTCP:
		r.RTU = nil
	case ConnectionRTU:
		r.TCP = nil
	default:
		return fmt.Errorf("unknown connectionType %q", r.Type)
	}
	*c = ConnectionSetting(r)
	return nil
}

// Validate checks the active variant and fills serial defaults.
func (c *ConnectionSetting) Validate() error {
	switch c.Type {
	case ConnectionTCP:
		if c.TCP == nil {
			return fmt.Errorf("connectionType tcp requires a tcp setting")
		}
		if c.TCP.Host == "" {
			return fmt.Errorf("tcp host is required")
		}
		if c.TCP.Port <= 0 || c.TCP.Port > 65535 {
			return fmt.Errorf("tcp port %d out of range", c.TCP.Port)
		}
	case ConnectionRTU:
		if c.RTU == nil {
			return fmt.Errorf("connectionType rtu requires an rtu setting")
		}
		return c.RTU.normalize()
	default:
		return fmt.Errorf("unknown connectionType %q", c.Type)
	}
	return nil
}

func (r *RTUSetting) normalize() error {
	if r.SerialPath == "" {
		return fmt.Errorf("rtu serialPath is required")
	}
	if r.BaudRate <= 0 {
		return fmt.Errorf("rtu baudRate must be positive")
	}
	if r.DataBits == 0 {
		r.DataBits = 8
	}
	if r.DataBits < 5 || r.DataBits > 8 {
		return fmt.Errorf("rtu dataBits %d out of range 5..8", r.DataBits)
	}
	if r.StopBits == 0 {
		r.StopBits = 1
	}
	if r.StopBits != 1 && r.StopBits != 2 {
		return fmt.Errorf("rtu stopBits must be 1 or 2")
	}
	switch strings.ToUpper(r.Parity) {
	case "", "N", "NONE":
		r.Parity = "N"
	case "E", "EVEN":
		r.Parity = "E"
	case "O", "ODD":
		r.Parity = "O"
	default:
		return fmt.Errorf("rtu parity %q not supported", r.Parity)
	}
	return nil
}

// UnitID returns the slave address of the active variant.
func (c ConnectionSetting) UnitID() uint8 {
	switch c.Type {
	case ConnectionTCP:
		if c.TCP != nil {
			return c.TCP.UnitID
		}
	case ConnectionRTU:
		if c.RTU != nil {
			return c.RTU.UnitID
		}
	}
	return 0
}

// PathKey identifies the physical transport path. Devices sharing a key
// share a bus and must never exchange frames concurrently.
func (c ConnectionSetting) PathKey() string {
	switch c.Type {
	case ConnectionTCP:
		if c.TCP != nil {
			return "tcp://" + c.TCP.Address()
		}
	case ConnectionRTU:
		if c.RTU != nil {
			return "rtu://" + c.RTU.SerialPath
		}
	}
	return string(c.Type)
}

// ConnectionState of one device transport.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
