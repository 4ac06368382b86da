package balancer

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrInvalidHeartbeat = errors.New("balancer: invalid heartbeat")

// Heartbeat is the periodic health report an upstream posts to the proxy.
type Heartbeat struct {
	IP        string
	Port      int
	Backlog   int
	Timestamp time.Time
}

// EncodeHeartbeat serializes hb as a protobuf Struct.
func EncodeHeartbeat(hb Heartbeat) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"ip":           hb.IP,
		"port":         hb.Port,
		"backlog":      hb.Backlog,
		"timestamp_ms": hb.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DecodeHeartbeat parses a body produced by EncodeHeartbeat.
func DecodeHeartbeat(b []byte) (Heartbeat, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Heartbeat{}, fmt.Errorf("%w: %v", ErrInvalidHeartbeat, err)
	}

	f := s.GetFields()
	ip, ok := f["ip"].GetKind().(*structpb.Value_StringValue)
	if !ok || ip.StringValue == "" {
		return Heartbeat{}, fmt.Errorf("%w: missing ip", ErrInvalidHeartbeat)
	}
	port, ok := f["port"].GetKind().(*structpb.Value_NumberValue)
	if !ok || port.NumberValue <= 0 || port.NumberValue > 65535 {
		return Heartbeat{}, fmt.Errorf("%w: bad port", ErrInvalidHeartbeat)
	}

	hb := Heartbeat{
		IP:      ip.StringValue,
		Port:    int(port.NumberValue),
		Backlog: int(f["backlog"].GetNumberValue()),
	}
	if ms := int64(f["timestamp_ms"].GetNumberValue()); ms > 0 {
		hb.Timestamp = time.UnixMilli(ms)
	}
	return hb, nil
}
