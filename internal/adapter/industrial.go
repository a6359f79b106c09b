package adapter

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// ---- OPC-UA ----

// OPCUA adapter reads node-value reports published by an OPC-UA bridge and queues node
// writes for it to poll.
type OPCUA struct {
	*Outbox
	nodeMap map[string]string
}

type opcuaReport struct {
	DeviceID  string         `json:"device_id"`
	Timestamp any            `json:"timestamp"`
	Sequence  *uint64        `json:"sequence"`
	Nodes     map[string]any `json:"nodes"`
	CommandID string         `json:"command_id"`
	Result    string         `json:"result"`
}

type opcuaWrite struct {
	NodeID string `json:"node_id"`
	Value  any    `json:"value"`
}

var nodeName = regexp.MustCompile(`s=([^;]+)$`)

func NewOPCUA(cfg config.OPCUAConfig) *OPCUA {
	return &OPCUA{Outbox: newOutbox(0, cfg.ReachableWindow), nodeMap: cfg.NodeMap}
}

func (a *OPCUA) Protocol() data.Protocol { return data.ProtocolOPCUA }

func (a *OPCUA) Decode(raw []byte) (data.Inbound, error) {
	var rep opcuaReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return data.Inbound{}, fmt.Errorf("%w: %v", data.ErrMalformedMessage, err)
	}
	if rep.DeviceID == "" {
		return data.Inbound{}, fmt.Errorf("%w: missing device id", data.ErrMalformedMessage)
	}
	a.presence.heard(rep.DeviceID)

	if rep.CommandID != "" {
		return data.Inbound{Ack: &data.CommandAck{CommandID: rep.CommandID, DeviceID: rep.DeviceID, Result: rep.Result}}, nil
	}
	if len(rep.Nodes) == 0 {
		return data.Inbound{}, fmt.Errorf("%w: no node values", data.ErrMalformedMessage)
	}
	ev := &data.TelemetryEvent{
		DeviceID:       rep.DeviceID,
		SourceProtocol: data.ProtocolOPCUA,
		Metrics:        make(map[string]any, len(rep.Nodes)),
		SequenceNumber: rep.Sequence,
	}
	if ts, ok := data.ParseTimestamp(rep.Timestamp); ok {
		ev.Timestamp = ts
	}
	for node, v := range rep.Nodes {
		ev.Metrics[a.metricFor(node)] = v
	}
	return data.Inbound{Telemetry: ev}, nil
}

// metricFor maps a node id to a metric: configured mapping first, then the string
// identifier in snake case ("ns=2;s=BatteryLevel" -> "battery_level").
func (a *OPCUA) metricFor(node string) string {
	if m, ok := a.nodeMap[node]; ok {
		return m
	}
	if sub := nodeName.FindStringSubmatch(node); sub != nil {
		return snakeCase(sub[1])
	}
	return node
}

func (a *OPCUA) nodeFor(metric string) string {
	for node, m := range a.nodeMap {
		if m == metric {
			return node
		}
	}
	return "ns=2;s=" + metric
}

// Encode renders a command as node writes: the command kind, then one write per payload field.
func (a *OPCUA) Encode(cmd data.Command) ([]byte, error) {
	writes := []opcuaWrite{{NodeID: "ns=2;s=Command", Value: cmd.Kind}}
	for _, k := range sortedKeys(cmd.Payload) {
		writes = append(writes, opcuaWrite{NodeID: a.nodeFor(k), Value: cmd.Payload[k]})
	}
	return json.Marshal(map[string]any{
		"command_id": cmd.ID,
		"device_id":  cmd.DeviceID,
		"writes":     writes,
	})
}

// ---- Modbus ----

// Modbus adapter reads register reports from a Modbus poller; the transaction id is the
// sequence number. Commands are queued as register writes.
type Modbus struct {
	*Outbox
	registers map[uint16]config.ModbusRegister
}

type modbusReport struct {
	UnitID        string            `json:"unit_id"`
	DeviceID      string            `json:"device_id"`
	TransactionID *uint64           `json:"transaction_id"`
	Timestamp     any               `json:"timestamp"`
	Registers     map[string]uint16 `json:"registers"`
	CommandID     string            `json:"command_id"`
	Result        string            `json:"result"`
}

type modbusWrite struct {
	Register uint16 `json:"register"`
	Value    uint16 `json:"value"`
}

func NewModbus(cfg config.ModbusConfig) (*Modbus, error) {
	regs := make(map[uint16]config.ModbusRegister, len(cfg.Registers))
	for addr, r := range cfg.Registers {
		n, err := strconv.ParseUint(addr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("modbus register %q: %w", addr, err)
		}
		if r.Scale == 0 {
			r.Scale = 1
		}
		regs[uint16(n)] = r
	}
	return &Modbus{Outbox: newOutbox(0, cfg.ReachableWindow), registers: regs}, nil
}

func (a *Modbus) Protocol() data.Protocol { return data.ProtocolModbus }

func (a *Modbus) Decode(raw []byte) (data.Inbound, error) {
	var rep modbusReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return data.Inbound{}, fmt.Errorf("%w: %v", data.ErrMalformedMessage, err)
	}
	deviceID := rep.DeviceID
	if deviceID == "" && rep.UnitID != "" {
		deviceID = "modbus_" + rep.UnitID
	}
	if deviceID == "" {
		return data.Inbound{}, fmt.Errorf("%w: missing unit id", data.ErrMalformedMessage)
	}
	a.presence.heard(deviceID)

	if rep.CommandID != "" {
		return data.Inbound{Ack: &data.CommandAck{CommandID: rep.CommandID, DeviceID: deviceID, Result: rep.Result}}, nil
	}
	if len(rep.Registers) == 0 {
		return data.Inbound{}, fmt.Errorf("%w: no registers", data.ErrMalformedMessage)
	}
	ev := &data.TelemetryEvent{
		DeviceID:       deviceID,
		SourceProtocol: data.ProtocolModbus,
		Metrics:        make(map[string]any, len(rep.Registers)),
		SequenceNumber: rep.TransactionID,
	}
	if ts, ok := data.ParseTimestamp(rep.Timestamp); ok {
		ev.Timestamp = ts
	}
	for addr, rawValue := range rep.Registers {
		n, err := strconv.ParseUint(addr, 10, 16)
		if err != nil {
			return data.Inbound{}, fmt.Errorf("%w: register %q", data.ErrMalformedMessage, addr)
		}
		reg, ok := a.registers[uint16(n)]
		if !ok {
			ev.Metrics["register_"+addr] = float64(rawValue)
			continue
		}
		v := float64(rawValue)
		if reg.Signed {
			v = float64(int16(rawValue))
		}
		ev.Metrics[reg.Metric] = v * reg.Scale
	}
	return data.Inbound{Telemetry: ev}, nil
}

// Encode renders payload fields that map to registers as scaled writes.
func (a *Modbus) Encode(cmd data.Command) ([]byte, error) {
	writes := []modbusWrite{}
	addrs := make([]int, 0, len(a.registers))
	for addr := range a.registers {
		addrs = append(addrs, int(addr))
	}
	sort.Ints(addrs)
	for _, addr := range addrs {
		reg := a.registers[uint16(addr)]
		v, ok := data.ToFloat(cmd.Payload[reg.Metric])
		if !ok {
			continue
		}
		scaled := math.Round(v / reg.Scale)
		var word uint16
		if reg.Signed {
			word = uint16(int16(scaled))
		} else {
			word = uint16(scaled)
		}
		writes = append(writes, modbusWrite{Register: uint16(addr), Value: word})
	}
	return json.Marshal(map[string]any{
		"command_id": cmd.ID,
		"device_id":  cmd.DeviceID,
		"function":   cmd.Kind,
		"writes":     writes,
	})
}

// ---- LoRaWAN ----

// LoRaWAN adapter reads network-server uplinks. The frame counter is the sequence number and
// the device id is lorawan_{dev_eui}. Downlinks carry the JSON command base64-encoded.
type LoRaWAN struct {
	*Outbox
	fPort int
}

type uplink struct {
	DevEUI  string         `json:"dev_eui"`
	FCnt    *uint64        `json:"f_cnt"`
	FPort   int            `json:"f_port"`
	Data    string         `json:"data"`
	Object  map[string]any `json:"object"`
	RSSI    *float64       `json:"rssi"`
	SNR     *float64       `json:"snr"`
	Time    any            `json:"time"`
	Command string         `json:"command_id"`
	Result  string         `json:"result"`
}

// payloadSize is the frame layout: lat int32 1e-6°, lon int32 1e-6°, battery uint8 %,
// temperature int16 0.01°C, all big endian.
const payloadSize = 11

func NewLoRaWAN(cfg config.LoRaWANConfig) *LoRaWAN {
	port := cfg.FPort
	if port <= 0 {
		port = 10
	}
	return &LoRaWAN{Outbox: newOutbox(0, cfg.ReachableWindow), fPort: port}
}

func (a *LoRaWAN) Protocol() data.Protocol { return data.ProtocolLoRaWAN }

func DeviceIDFromEUI(devEUI string) string {
	return "lorawan_" + strings.ToLower(devEUI)
}

func (a *LoRaWAN) Decode(raw []byte) (data.Inbound, error) {
	var up uplink
	if err := json.Unmarshal(raw, &up); err != nil {
		return data.Inbound{}, fmt.Errorf("%w: %v", data.ErrMalformedMessage, err)
	}
	if up.DevEUI == "" {
		return data.Inbound{}, fmt.Errorf("%w: missing dev_eui", data.ErrMalformedMessage)
	}
	deviceID := DeviceIDFromEUI(up.DevEUI)
	a.presence.heard(deviceID)

	if up.Command != "" {
		return data.Inbound{Ack: &data.CommandAck{CommandID: up.Command, DeviceID: deviceID, Result: up.Result}}, nil
	}

	ev := &data.TelemetryEvent{
		DeviceID:       deviceID,
		SourceProtocol: data.ProtocolLoRaWAN,
		Metrics:        make(map[string]any),
		SequenceNumber: up.FCnt,
	}
	if ts, ok := data.ParseTimestamp(up.Time); ok {
		ev.Timestamp = ts
	}
	switch {
	case up.Data != "":
		if err := decodeFrame(up.Data, ev.Metrics); err != nil {
			return data.Inbound{}, err
		}
	case len(up.Object) > 0:
		for k, v := range up.Object {
			ev.Metrics[k] = v
		}
	default:
		return data.Inbound{}, fmt.Errorf("%w: empty uplink", data.ErrMalformedMessage)
	}
	if up.RSSI != nil {
		ev.Metrics["rssi"] = *up.RSSI
	}
	if up.SNR != nil {
		ev.Metrics["snr"] = *up.SNR
	}
	return data.Inbound{Telemetry: ev}, nil
}

func decodeFrame(payloadHex string, metrics map[string]any) error {
	frame, err := hex.DecodeString(payloadHex)
	if err != nil {
		return fmt.Errorf("%w: payload is not hex: %v", data.ErrMalformedMessage, err)
	}
	if len(frame) < payloadSize {
		return fmt.Errorf("%w: payload has %d bytes, want %d", data.ErrMalformedMessage, len(frame), payloadSize)
	}
	metrics["lat"] = float64(int32(binary.BigEndian.Uint32(frame[0:4]))) / 1e6
	metrics["lon"] = float64(int32(binary.BigEndian.Uint32(frame[4:8]))) / 1e6
	metrics["battery"] = float64(frame[8])
	metrics["temperature"] = float64(int16(binary.BigEndian.Uint16(frame[9:11]))) / 100
	return nil
}

// EncodeFrame builds an uplink payload in the frame layout; used by bridges and tests.
func EncodeFrame(lat, lon, battery, temperature float64) string {
	frame := make([]byte, payloadSize)
	binary.BigEndian.PutUint32(frame[0:4], uint32(int32(math.Round(lat*1e6))))
	binary.BigEndian.PutUint32(frame[4:8], uint32(int32(math.Round(lon*1e6))))
	frame[8] = byte(math.Max(0, math.Min(255, math.Round(battery))))
	binary.BigEndian.PutUint16(frame[9:11], uint16(int16(math.Round(temperature*100))))
	return hex.EncodeToString(frame)
}

func (a *LoRaWAN) Encode(cmd data.Command) ([]byte, error) {
	body, err := json.Marshal(envelopeOf(cmd))
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"dev_eui":    strings.TrimPrefix(cmd.DeviceID, "lorawan_"),
		"f_port":     a.fPort,
		"confirmed":  true,
		"data":       base64.StdEncoding.EncodeToString(body),
		"command_id": cmd.ID,
	})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// snakeCase turns "BatteryLevel" into "battery_level".
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
