package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/jbeur/mcp-ble-server/internal/cache"
	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/internal/resilience"
)

// DeviceInfo describes one discovered peripheral
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	RSSI int    `json:"rssi,omitempty"`
}

// Subscription is a cancellable stream of discovery events. Cancel is safe
// to call more than once; Events closes after Cancel.
type Subscription struct {
	Events <-chan DeviceInfo
	Cancel func()
}

// Adapter is the peripheral transport the device handlers drive. The real
// transport lives behind this interface; an unavailable adapter surfaces as
// BLE_NOT_AVAILABLE.
type Adapter interface {
	Scan(ctx context.Context) (*Subscription, error)
	Connect(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context, deviceID string) error
	ReadCharacteristic(ctx context.Context, deviceID, characteristic string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, deviceID, characteristic string, value []byte) error
}

// DeviceHandlers implements the device operations: scan lifecycle,
// connect/disconnect, and characteristic reads and writes. One scan and an
// arbitrary set of connections are tracked per client; everything is torn
// down on client disconnect.
type DeviceHandlers struct {
	adapter Adapter
	hctx    *HandlerContext
	reads   *cache.Cache // optional read-through cache for characteristic values
	breaker *resilience.CircuitBreaker

	mu        sync.Mutex
	scans     map[string]*Subscription       // clientID → active scan
	connected map[string]map[string]struct{} // clientID → device set
}

// NewDeviceHandlers creates the handler set over the given adapter. A nil
// reads cache disables read-through caching; a nil breaker leaves adapter
// calls unguarded.
func NewDeviceHandlers(adapter Adapter, hctx *HandlerContext, reads *cache.Cache, breaker *resilience.CircuitBreaker) *DeviceHandlers {
	return &DeviceHandlers{
		adapter:   adapter,
		hctx:      hctx,
		reads:     reads,
		breaker:   breaker,
		scans:     make(map[string]*Subscription),
		connected: make(map[string]map[string]struct{}),
	}
}

// guarded runs one adapter operation under the device's circuit breaker, so
// a misbehaving peripheral stops taking real calls once it trips.
func (d *DeviceHandlers) guarded(ctx context.Context, deviceID string, op func(ctx context.Context) error) error {
	if d.breaker == nil {
		return op(ctx)
	}
	return d.breaker.Execute(ctx, deviceID, op)
}

// HandleMessage routes one device operation
func (d *DeviceHandlers) HandleMessage(ctx context.Context, clientID string, msg *protocol.Message) error {
	if d.adapter == nil {
		return protocol.NewGatewayError(protocol.ErrCodeBLENotAvailable, "device transport not available")
	}

	switch msg.Type {
	case protocol.TypeStartScan:
		return d.startScan(ctx, clientID)
	case protocol.TypeStopScan:
		return d.stopScan(clientID)
	case protocol.TypeConnect:
		return d.connect(ctx, clientID, msg)
	case protocol.TypeDisconnect:
		return d.disconnect(ctx, clientID, msg)
	case protocol.TypeCharacteristicRead:
		return d.readCharacteristic(ctx, clientID, msg)
	case protocol.TypeCharacteristicWrite:
		return d.writeCharacteristic(ctx, clientID, msg)
	default:
		return protocol.NewGatewayError(protocol.ErrCodeInvalidMessageType, "not a device operation")
	}
}

// HandleClientDisconnect cancels the client's scan and releases its devices
func (d *DeviceHandlers) HandleClientDisconnect(clientID string) error {
	d.mu.Lock()
	sub := d.scans[clientID]
	delete(d.scans, clientID)
	devices := d.connected[clientID]
	delete(d.connected, clientID)
	d.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	for deviceID := range devices {
		if err := d.adapter.Disconnect(context.Background(), deviceID); err != nil {
			d.hctx.Logger.Warn("Failed to release device on disconnect", map[string]interface{}{
				"client_id": clientID,
				"device_id": deviceID,
				"error":     err.Error(),
			})
		}
	}
	return nil
}

func (d *DeviceHandlers) startScan(ctx context.Context, clientID string) error {
	d.mu.Lock()
	if _, active := d.scans[clientID]; active {
		d.mu.Unlock()
		return protocol.NewGatewayError(protocol.ErrCodeScanAlreadyActive, "scan already active")
	}
	d.mu.Unlock()

	sub, err := d.adapter.Scan(context.Background())
	if err != nil {
		return protocol.NewGatewayError(protocol.ErrCodeOperationFailed, "failed to start scan")
	}

	d.mu.Lock()
	// A concurrent START_SCAN can win the race while the adapter starts up
	if _, active := d.scans[clientID]; active {
		d.mu.Unlock()
		sub.Cancel()
		return protocol.NewGatewayError(protocol.ErrCodeScanAlreadyActive, "scan already active")
	}
	d.scans[clientID] = sub
	d.mu.Unlock()

	go d.forwardDiscoveries(clientID, sub)
	return nil
}

// forwardDiscoveries pushes DEVICE_FOUND frames until the subscription ends
func (d *DeviceHandlers) forwardDiscoveries(clientID string, sub *Subscription) {
	for device := range sub.Events {
		msg := protocol.NewMessage(protocol.TypeDeviceFound, map[string]interface{}{
			"id":   device.ID,
			"name": device.Name,
			"rssi": device.RSSI,
		})
		if err := d.hctx.Send(clientID, msg, protocol.PriorityMedium); err != nil {
			d.hctx.Logger.Debug("Dropping discovery event", map[string]interface{}{
				"client_id": clientID,
				"device_id": device.ID,
			})
		}
	}
}

func (d *DeviceHandlers) stopScan(clientID string) error {
	d.mu.Lock()
	sub, active := d.scans[clientID]
	delete(d.scans, clientID)
	d.mu.Unlock()

	if !active {
		return protocol.NewGatewayError(protocol.ErrCodeScanNotActive, "no active scan")
	}
	sub.Cancel()
	return nil
}

func (d *DeviceHandlers) connect(ctx context.Context, clientID string, msg *protocol.Message) error {
	deviceID, ok := stringParam(msg, "deviceId")
	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidParams, "deviceId is required")
	}

	d.mu.Lock()
	if _, held := d.connected[clientID][deviceID]; held {
		d.mu.Unlock()
		return protocol.NewGatewayError(protocol.ErrCodeAlreadyConnected, "device already connected")
	}
	d.mu.Unlock()

	if err := d.guarded(ctx, deviceID, func(ctx context.Context) error {
		return d.adapter.Connect(ctx, deviceID)
	}); err != nil {
		return deviceError(err, "failed to connect to device")
	}

	d.mu.Lock()
	if d.connected[clientID] == nil {
		d.connected[clientID] = make(map[string]struct{})
	}
	d.connected[clientID][deviceID] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *DeviceHandlers) disconnect(ctx context.Context, clientID string, msg *protocol.Message) error {
	deviceID, ok := stringParam(msg, "deviceId")
	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidParams, "deviceId is required")
	}

	d.mu.Lock()
	_, held := d.connected[clientID][deviceID]
	if held {
		delete(d.connected[clientID], deviceID)
	}
	d.mu.Unlock()

	if !held {
		return protocol.NewGatewayError(protocol.ErrCodeNotConnected, "device not connected")
	}
	if err := d.adapter.Disconnect(ctx, deviceID); err != nil {
		return deviceError(err, "failed to disconnect device")
	}
	return nil
}

func (d *DeviceHandlers) readCharacteristic(ctx context.Context, clientID string, msg *protocol.Message) error {
	deviceID, ok := stringParam(msg, "deviceId")
	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidParams, "deviceId is required")
	}
	characteristic, ok := stringParam(msg, "characteristicUuid")
	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidParams, "characteristicUuid is required")
	}
	if !d.holds(clientID, deviceID) {
		return protocol.NewGatewayError(protocol.ErrCodeNotConnected, "device not connected")
	}

	encoded, cached := d.cachedValue(deviceID, characteristic)
	if !cached {
		var value []byte
		err := d.guarded(ctx, deviceID, func(ctx context.Context) error {
			var readErr error
			value, readErr = d.adapter.ReadCharacteristic(ctx, deviceID, characteristic)
			return readErr
		})
		if err != nil {
			return deviceError(err, "characteristic read failed")
		}
		encoded = base64.StdEncoding.EncodeToString(value)
		if d.reads != nil {
			if err := d.reads.Set(readCacheKey(deviceID, characteristic), encoded, protocol.PriorityHigh, 0); err != nil {
				d.hctx.Logger.Debug("Failed to cache characteristic value", map[string]interface{}{
					"device_id": deviceID,
					"error":     err.Error(),
				})
			}
		}
	}

	reply := protocol.NewMessage(protocol.TypeCharacteristicRead, map[string]interface{}{
		"deviceId":           deviceID,
		"characteristicUuid": characteristic,
		"value":              encoded,
	})
	return d.hctx.Send(clientID, reply, protocol.PriorityHigh)
}

// cachedValue looks up a previously read characteristic value
func (d *DeviceHandlers) cachedValue(deviceID, characteristic string) (string, bool) {
	if d.reads == nil {
		return "", false
	}
	raw, ok := d.reads.Get(readCacheKey(deviceID, characteristic))
	if !ok {
		return "", false
	}
	encoded, ok := raw.(string)
	return encoded, ok
}

func readCacheKey(deviceID, characteristic string) string {
	return fmt.Sprintf("characteristic:%s:%s", deviceID, characteristic)
}

func (d *DeviceHandlers) writeCharacteristic(ctx context.Context, clientID string, msg *protocol.Message) error {
	deviceID, ok := stringParam(msg, "deviceId")
	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidParams, "deviceId is required")
	}
	characteristic, ok := stringParam(msg, "characteristicUuid")
	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidParams, "characteristicUuid is required")
	}
	value, ok := stringParam(msg, "value")
	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidParams, "value is required")
	}
	if !d.holds(clientID, deviceID) {
		return protocol.NewGatewayError(protocol.ErrCodeNotConnected, "device not connected")
	}

	if err := d.guarded(ctx, deviceID, func(ctx context.Context) error {
		return d.adapter.WriteCharacteristic(ctx, deviceID, characteristic, []byte(value))
	}); err != nil {
		return deviceError(err, "characteristic write failed")
	}
	if d.reads != nil {
		d.reads.Delete(readCacheKey(deviceID, characteristic))
	}
	return nil
}

func (d *DeviceHandlers) holds(clientID, deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, held := d.connected[clientID][deviceID]
	return held
}

// deviceError preserves typed adapter errors, maps a tripped breaker to
// CONNECTION_ERROR, and everything else to OPERATION_FAILED.
func deviceError(err error, text string) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return protocol.NewGatewayError(protocol.ErrCodeConnectionError, "device unavailable")
	}
	if _, typed := err.(*protocol.GatewayError); typed {
		return err
	}
	return protocol.NewGatewayError(protocol.ErrCodeOperationFailed, text)
}

func stringParam(msg *protocol.Message, key string) (string, bool) {
	if msg.Data == nil {
		return "", false
	}
	value, ok := msg.Data[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
