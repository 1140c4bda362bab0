// Package bluez implements the band capability API on top of the BlueZ D-Bus
// interface: paired devices come from the object manager, sensor streams are
// GATT characteristic notifications.
package bluez

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/consent"
)

const (
	busName            = "org.bluez"
	adapterIface       = "org.bluez.Adapter1"
	deviceIface        = "org.bluez.Device1"
	gattCharIface      = "org.bluez.GattCharacteristic1"
	propsIface         = "org.freedesktop.DBus.Properties"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsSignal        = propsIface + ".PropertiesChanged"

	// HeartRateMeasurementUUID is the Bluetooth SIG Heart Rate Measurement characteristic.
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"

	resolvePollInterval = 100 * time.Millisecond
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Config holds backend settings
type Config struct {
	Adapter           string // e.g. "hci0"
	HeartRateUUID     string
	AccelerometerUUID string // empty: the band has no accelerometer stream
	Consent           *consent.Ledger
}

func (c Config) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + c.Adapter)
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(adapter, path dbus.ObjectPath) string {
	s := string(path)
	prefix := string(adapter) + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// Manager wraps a system D-Bus connection for BlueZ operations. It implements
// band.Manager.
type Manager struct {
	conn   *dbus.Conn
	cfg    Config
	logger zerolog.Logger
}

// Open connects to the system bus and checks that BlueZ is running.
func Open(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.HeartRateUUID == "" {
		cfg.HeartRateUUID = HeartRateMeasurementUUID
	}
	if cfg.Consent == nil {
		cfg.Consent = consent.NewLedger(consent.Static(false))
	}

	// sequential delivery keeps notifications in the order BlueZ emitted them
	conn, err := dbus.ConnectSystemBus(dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()))
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}

	return &Manager{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("component", "bluez").Logger(),
	}, nil
}

func (m *Manager) Close() error {
	return m.conn.Close()
}

// --- property helpers ---

func (m *Manager) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := m.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (m *Manager) getBool(ctx context.Context, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := m.getProp(ctx, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (m *Manager) managedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	obj := m.conn.Object(busName, "/")
	if err := obj.CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

// --- adapter ---

func (m *Manager) adapterPowered(ctx context.Context) (bool, error) {
	return m.getBool(ctx, m.cfg.adapterPath(), adapterIface, "Powered")
}

// --- devices ---

// PairedDevices lists the devices bonded with the configured adapter, ordered
// by object path.
func (m *Manager) PairedDevices(ctx context.Context) ([]band.Device, error) {
	objs, err := m.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return pairedDevices(objs, m.cfg.adapterPath()), nil
}

func pairedDevices(objs managedObjects, adapter dbus.ObjectPath) []band.Device {
	var devices []band.Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if a, _ := props["Adapter"].Value().(dbus.ObjectPath); a != adapter {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}

		dev := band.Device{Path: string(path)}
		dev.Address, _ = props["Address"].Value().(string)
		if dev.Address == "" {
			dev.Address = macFromPath(adapter, path)
		}
		if alias, _ := props["Alias"].Value().(string); alias != "" {
			dev.Name = alias
		} else {
			dev.Name, _ = props["Name"].Value().(string)
		}
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices
}

// characteristics maps lower-case characteristic UUIDs to their object paths
// for the GATT database of the device at devPath.
func characteristics(objs managedObjects, devPath dbus.ObjectPath) map[string]dbus.ObjectPath {
	out := make(map[string]dbus.ObjectPath)
	prefix := string(devPath) + "/"
	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		if uuid == "" {
			continue
		}
		uuid = strings.ToLower(uuid)
		// first path wins when a UUID appears in several services
		if prev, dup := out[uuid]; !dup || path < prev {
			out[uuid] = path
		}
	}
	return out
}

// Connect connects dev if needed, waits for its GATT services and binds the
// sensors the band exposes.
func (m *Manager) Connect(ctx context.Context, dev band.Device) (band.Client, error) {
	powered, err := m.adapterPowered(ctx)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", m.cfg.Adapter, err)
	}
	if !powered {
		return nil, fmt.Errorf("adapter %s is powered off", m.cfg.Adapter)
	}

	path := dbus.ObjectPath(dev.Path)
	if path == "" {
		path = deviceObjectPath(m.cfg.adapterPath(), dev.Address)
	}

	connected, err := m.getBool(ctx, path, deviceIface, "Connected")
	if err != nil {
		m.logger.Debug().Err(err).Str("path", string(path)).Msg("Read Connected failed, connecting anyway")
	}
	if !connected {
		obj := m.conn.Object(busName, path)
		if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}
	m.logger.Info().Str("device", dev.String()).Msg("Device connected")

	if err := m.waitServicesResolved(ctx, path); err != nil {
		return nil, err
	}

	objs, err := m.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	chars := characteristics(objs, path)

	c := &Client{m: m, dev: dev, path: path, sensors: make(map[band.SensorKind]*Sensor)}
	uuids := map[band.SensorKind]string{
		band.HeartRate:     m.cfg.HeartRateUUID,
		band.Accelerometer: m.cfg.AccelerometerUUID,
	}
	for kind, uuid := range uuids {
		charPath := chars[strings.ToLower(uuid)]
		if uuid == "" || charPath == "" {
			m.logger.Debug().Str("sensor", string(kind)).Str("uuid", uuid).Msg("Characteristic not found")
			charPath = ""
		}
		c.sensors[kind] = m.newSensor(kind, charPath)
	}
	return c, nil
}

func (m *Manager) waitServicesResolved(ctx context.Context, path dbus.ObjectPath) error {
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		resolved, err := m.getBool(ctx, path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for GATT services: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Client is a connected band. It implements band.Client.
type Client struct {
	m       *Manager
	dev     band.Device
	path    dbus.ObjectPath
	sensors map[band.SensorKind]*Sensor
}

func (c *Client) Device() band.Device {
	return c.dev
}

func (c *Client) Sensor(kind band.SensorKind) band.Sensor {
	if s, ok := c.sensors[kind]; ok {
		return s
	}
	return c.m.newSensor(kind, "")
}

// Close stops any remaining streams and disconnects the band.
func (c *Client) Close() error {
	var firstErr error
	for _, s := range c.sensors {
		if err := s.Stop(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	obj := c.m.conn.Object(busName, c.path)
	if err := obj.Call(deviceIface+".Disconnect", 0).Err; err != nil && firstErr == nil {
		firstErr = fmt.Errorf("disconnect: %w", err)
	}
	return firstErr
}
