package devsvc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mayanksuman/projecteur/internal/mapsvc"
	"github.com/mayanksuman/projecteur/pkg/bus"
	"github.com/mayanksuman/projecteur/pkg/evdev"
)

var (
	ErrNotConnected = errors.New("no device connected")
	ErrNoHidrawNode = errors.New("device has no hidraw sub-device")
)

// Emitter replays input events on a forwarding device.
type Emitter interface {
	EmitEvents(events []evdev.Event) error
}

const (
	defaultSpotTimeout     = 600 * time.Millisecond
	defaultHotplugDebounce = 800 * time.Millisecond
)

type Options struct {
	SysRoot string
	DevRoot string
	// InputDir is watched for appearing event nodes.
	InputDir string

	// SpotTimeout is how long the spot stays active after the last motion
	// frame.
	SpotTimeout time.Duration
	// HotplugDebounce delays the connect attempt after a device node
	// appears, until the kernel has finished setting the node up.
	HotplugDebounce time.Duration

	Mapper            mapsvc.Options
	AdditionalDevices []SupportedDevice
}

func (o Options) withDefaults() Options {
	if o.SysRoot == "" {
		o.SysRoot = defaultSysRoot
	}
	if o.DevRoot == "" {
		o.DevRoot = defaultDevRoot
	}
	if o.InputDir == "" {
		o.InputDir = filepath.Join(o.DevRoot, "input")
	}
	if o.SpotTimeout <= 0 {
		o.SpotTimeout = defaultSpotTimeout
	}
	if o.HotplugDebounce <= 0 {
		o.HotplugDebounce = defaultHotplugDebounce
	}
	return o
}

// Settings are the runtime-adjustable parts of the service configuration.
type Settings struct {
	SpotTimeout       time.Duration
	HotplugDebounce   time.Duration
	KeyEventInterval  time.Duration
	MaxSequenceLength int
	AdditionalDevices []SupportedDevice
}

// Service owns the connected device and its event demultiplexing. All
// mutable state lives on the reactor goroutine; the exported methods hand
// their work in through the reactor and are safe from any goroutine.
type Service struct {
	log     *zap.Logger
	opts    Options
	db      *badger.DB
	emitter Emitter
	store   *mapsvc.Store

	events  *bus.Bus[EventType, Event]
	reactor *Reactor
	scanner Scanner
	mapper  *mapsvc.Mapper

	runCtx       context.Context
	device       *Device
	present      bool
	spotActive   bool
	spotTimer    *ReactorTimer
	connectTimer *ReactorTimer

	// Overridable in tests to connect fixture descriptors.
	openEvent  func(log *zap.Logger, path string, grab bool) (*Connection, error)
	openHidraw func(log *zap.Logger, path string) (*Connection, error)

	ready chan struct{}
}

// New creates the device service. db and emitter may be nil: without a db
// nothing is persisted, without an emitter devices are observed but their
// events are not grabbed or forwarded.
func New(log *zap.Logger, db *badger.DB, emitter Emitter, opts Options) *Service {
	opts = opts.withDefaults()
	s := &Service{
		log:        log,
		opts:       opts,
		db:         db,
		emitter:    emitter,
		events:     bus.NewBus[EventType, Event](log.Named("bus")),
		scanner:    Scanner{SysRoot: opts.SysRoot, DevRoot: opts.DevRoot},
		openEvent:  openEventConnection,
		openHidraw: openHidrawConnection,
		ready:      make(chan struct{}),
	}
	if db != nil {
		s.store = mapsvc.NewStore(db)
	}
	return s
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Subscribe delivers service notifications for the given event types, or
// all of them when none is given.
func (s *Service) Subscribe(ctx context.Context, types ...EventType) <-chan bus.Message[EventType, Event] {
	return s.events.Subscribe(ctx, types...)
}

// Start runs the service until ctx is done. It blocks; run it under an
// error group.
func (s *Service) Start(ctx context.Context) error {
	if err := s.events.Start(ctx); err != nil {
		return err
	}

	reactor, err := NewReactor(s.log.Named("reactor"))
	if err != nil {
		return err
	}
	s.reactor = reactor
	defer reactor.Close()
	s.runCtx = ctx

	s.spotTimer = reactor.NewTimer(s.onSpotTimeout)
	s.connectTimer = reactor.NewTimer(s.connect)
	s.mapper = mapsvc.New(s.log.Named("mapper"), func(fn func()) mapsvc.Timer {
		return reactor.NewTimer(fn)
	}, s.mapperHooks(), s.opts.Mapper)

	if s.store != nil {
		cfg, err := s.store.Load()
		if err != nil {
			s.log.Error("Failed to load input map", zap.Error(err))
		} else {
			s.mapper.SetConfiguration(cfg)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.opts.InputDir); err != nil {
		s.log.Warn("Hotplug detection unavailable",
			zap.String("dir", s.opts.InputDir), zap.Error(err))
	} else {
		go s.watchHotplug(ctx, watcher)
	}

	reactor.Submit(s.connect)
	close(s.ready)

	err = reactor.Run(ctx)
	s.removeDevice()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchHotplug turns appearing event nodes into debounced connect
// attempts. Rapid node churn during enumeration restarts the timer, so one
// plug-in triggers one scan.
func (s *Service) watchHotplug(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("Device watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) || !strings.HasPrefix(filepath.Base(event.Name), "event") {
				continue
			}
			s.log.Debug("Device node appeared", zap.String("path", event.Name))
			s.reactor.Submit(func() {
				s.connectTimer.Start(s.opts.HotplugDebounce)
			})
		}
	}
}

// connect scans the device tree and ensures the first supported device is
// connected. Runs on the reactor goroutine.
func (s *Service) connect() {
	s.connectTo(DeviceId{})
}

// connectTo prefers the given device id when it is present in the scan and
// falls back to the first device that opens. Connecting to the id of the
// already-connected device is a no-op.
func (s *Service) connectTo(preferred DeviceId) {
	result := s.scanner.Scan(s.opts.AdditionalDevices)
	for _, msg := range result.ErrorMessages {
		s.log.Warn("Device scan", zap.String("message", msg))
	}

	if s.device != nil {
		switch {
		case findDevice(result.Devices, s.device.ID) == nil:
			// The connected device is gone from the tree.
			s.removeDevice()
		case preferred.Valid() && s.device.ID != preferred &&
			findDevice(result.Devices, preferred) != nil:
			s.removeDevice()
		default:
			return
		}
	}

	if preferred.Valid() {
		if dev := findDevice(result.Devices, preferred); dev != nil && s.openDevice(dev) {
			return
		}
	}
	for _, dev := range result.Devices {
		if dev.ID == preferred {
			continue
		}
		if s.openDevice(dev) {
			return
		}
	}
}

func (s *Service) openDevice(dev *Device) bool {
	grab := s.emitter != nil
	for _, sub := range dev.SubDevices {
		switch sub.Type {
		case SubDeviceEvent:
			conn, err := s.openEvent(s.log, sub.Path, grab)
			if err != nil {
				s.log.Info("Cannot open event sub-device",
					zap.String("path", sub.Path), zap.Error(err))
				continue
			}
			sub.conn = conn
			sub.HasRelativeMotion = sub.HasRelativeMotion || conn.flags.RelativeMotion
		case SubDeviceHidraw:
			if dev.hidraw != nil {
				continue
			}
			conn, err := s.openHidraw(s.log, sub.Path)
			if err != nil {
				s.log.Info("Cannot open hidraw sub-device",
					zap.String("path", sub.Path), zap.Error(err))
				continue
			}
			sub.conn = conn
			dev.hidraw = conn
		}
	}
	if dev.openEventConnections() == 0 {
		s.closeSubDevices(dev)
		return false
	}

	for _, sub := range dev.SubDevices {
		if sub.conn == nil {
			continue
		}
		sub := sub
		handler := func() { s.handleReadable(dev, sub) }
		if err := s.reactor.RegisterFd(sub.conn.fd, handler); err != nil {
			s.log.Error("Cannot watch sub-device",
				zap.String("path", sub.Path), zap.Error(err))
			sub.conn.Close()
			if dev.hidraw == sub.conn {
				dev.hidraw = nil
			}
			sub.conn = nil
		}
	}
	if dev.openEventConnections() == 0 {
		s.closeSubDevices(dev)
		return false
	}

	dev.mapper = s.mapper
	s.mapper.ResetState()
	s.device = dev
	s.log.Info("Device connected",
		zap.String("device", dev.DisplayName()), zap.String("id", dev.ID.String()))
	s.recordSeenDevice(dev)
	s.publish(EventDeviceConnected, Event{ID: dev.ID, Name: dev.DisplayName()})
	for _, sub := range dev.SubDevices {
		if sub.conn != nil {
			s.publish(EventSubDeviceConnected, Event{ID: dev.ID, Path: sub.Path})
		}
	}
	s.setPresent(true)
	return true
}

func (s *Service) handleReadable(dev *Device, sub *SubDeviceNode) {
	if sub.conn == nil {
		return
	}
	var ok bool
	if sub.conn.typ == SubDeviceHidraw {
		// Incoming hidraw reports are not interpreted, only drained so the
		// descriptor does not stay readable forever.
		ok = sub.conn.discard()
	} else {
		ok = sub.conn.drain(s.onFrame, s.onOverflow)
	}
	if !ok {
		// Deferred so the teardown never runs under a handler that still
		// holds the connection.
		s.reactor.Later(func() { s.removeSubDevice(dev, sub) })
	}
}

// onFrame routes one complete input frame. Motion frames are forwarded only
// and drive the spot while no recording runs; button frames go to the input
// mapper, and are forwarded unless a recording is capturing them.
func (s *Service) onFrame(frame []evdev.Event, motion bool) {
	if motion {
		if !s.mapper.RecordingMode() {
			s.markSpotActive()
		}
		s.forward(frame)
		return
	}
	recording := s.mapper.RecordingMode()
	s.mapper.AddEvents(frame...)
	if !recording {
		s.forward(frame)
	}
}

func (s *Service) onOverflow() {
	s.log.Warn("Input frame overflow, resetting event stream state")
	s.mapper.ResetState()
}

func (s *Service) forward(frame []evdev.Event) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.EmitEvents(frame); err != nil {
		s.log.Error("Failed to forward events", zap.Error(err))
	}
}

// removeSubDevice tears down one connection. Guarded so a stale deferred
// removal for an already-replaced device is a no-op.
func (s *Service) removeSubDevice(dev *Device, sub *SubDeviceNode) {
	if s.device != dev || sub.conn == nil {
		return
	}
	s.closeConnection(dev, sub)
	s.publish(EventSubDeviceDisconnected, Event{ID: dev.ID, Path: sub.Path})
	if dev.openEventConnections() == 0 {
		s.removeDevice()
	}
}

func (s *Service) removeDevice() {
	dev := s.device
	if dev == nil {
		return
	}
	s.device = nil
	for _, sub := range dev.SubDevices {
		if sub.conn != nil {
			s.closeConnection(dev, sub)
			s.publish(EventSubDeviceDisconnected, Event{ID: dev.ID, Path: sub.Path})
		}
	}
	// Dropping the recorder: a running capture of the vanished device ends
	// as canceled, partial match state is discarded.
	s.mapper.SetRecordingMode(false)
	s.mapper.ResetState()
	s.log.Info("Device disconnected", zap.String("device", dev.DisplayName()))
	s.publish(EventDeviceDisconnected, Event{ID: dev.ID, Name: dev.DisplayName()})
	s.setPresent(false)
	if s.spotActive {
		s.spotTimer.Stop()
		s.spotActive = false
		s.publish(EventSpotActiveChanged, Event{SpotActive: false})
	}
}

func (s *Service) closeConnection(dev *Device, sub *SubDeviceNode) {
	s.reactor.UnregisterFd(sub.conn.fd)
	sub.conn.Close()
	if dev.hidraw == sub.conn {
		dev.hidraw = nil
	}
	sub.conn = nil
}

func (s *Service) closeSubDevices(dev *Device) {
	for _, sub := range dev.SubDevices {
		if sub.conn != nil {
			s.closeConnection(dev, sub)
		}
	}
	dev.hidraw = nil
}

func (s *Service) setPresent(present bool) {
	if s.present == present {
		return
	}
	s.present = present
	s.publish(EventPresenceChanged, Event{Present: present})
}

func (s *Service) markSpotActive() {
	if !s.spotActive {
		s.spotActive = true
		s.publish(EventSpotActiveChanged, Event{SpotActive: true})
	}
	s.spotTimer.Start(s.opts.SpotTimeout)
}

func (s *Service) onSpotTimeout() {
	if !s.spotActive {
		return
	}
	s.spotActive = false
	s.publish(EventSpotActiveChanged, Event{SpotActive: false})
}

func (s *Service) publish(typ EventType, ev Event) {
	s.events.Publish(s.runCtx, typ, ev)
}

func (s *Service) deviceID() DeviceId {
	if s.device == nil {
		return DeviceId{}
	}
	return s.device.ID
}

func (s *Service) mapperHooks() mapsvc.Hooks {
	return mapsvc.Hooks{
		RecordingModeChanged: func(recording bool) {
			s.publish(EventRecordingModeChanged, Event{ID: s.deviceID(), Recording: recording})
		},
		RecordingStarted: func() {
			s.publish(EventRecordingStarted, Event{ID: s.deviceID()})
		},
		KeyEventRecorded: func(ke mapsvc.KeyEvent) {
			s.publish(EventKeyEventRecorded, Event{ID: s.deviceID(), Recorded: ke})
		},
		RecordingFinished: func(seq mapsvc.KeyEventSequence, canceled bool) {
			s.publish(EventRecordingFinished, Event{ID: s.deviceID(), Sequence: seq, Canceled: canceled})
		},
		ActionMatched: s.executeAction,
	}
}

func (s *Service) executeAction(action mapsvc.MappedAction) {
	s.publish(EventActionMatched, Event{ID: s.deviceID(), Action: action})
	if action.Type != mapsvc.ActionKeySequence || s.emitter == nil {
		return
	}
	var out []evdev.Event
	for _, ke := range action.KeySequence {
		out = append(out, ke...)
		out = append(out, evdev.Event{Type: evdev.EvSyn, Code: evdev.SynReport})
	}
	if err := s.emitter.EmitEvents(out); err != nil {
		s.log.Error("Failed to replay mapped key sequence", zap.Error(err))
	}
}

// vibrationPayload builds the vendor command for one vibration pulse.
// Intensities below 64 are not perceptible, so the strength is clamped.
func vibrationPayload(strength uint8) []byte {
	if strength < 64 {
		strength = 64
	}
	return []byte{0x10, 0x01, 0x09, 0x11, 0x03, 0xe8, strength}
}

func (s *Service) vibrate(strength uint8) error {
	if s.device == nil {
		return ErrNotConnected
	}
	if s.device.hidraw == nil {
		return ErrNoHidrawNode
	}
	return s.device.hidraw.Write(vibrationPayload(strength))
}

// sendData writes a raw report to the device's hidraw node.
func (s *Service) sendData(data []byte) error {
	if s.device == nil {
		return ErrNotConnected
	}
	if s.device.hidraw == nil {
		return ErrNoHidrawNode
	}
	return s.device.hidraw.Write(data)
}

// call runs fn on the reactor goroutine and waits for its result.
func (s *Service) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	s.reactor.Submit(func() { res <- fn() })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-res:
		return err
	}
}

// Vibrate sends a vibration pulse to the connected device.
func (s *Service) Vibrate(ctx context.Context, strength uint8) error {
	return s.call(ctx, func() error { return s.vibrate(strength) })
}

// SendData writes a raw vendor report to the connected device.
func (s *Service) SendData(ctx context.Context, data []byte) error {
	return s.call(ctx, func() error { return s.sendData(data) })
}

// Connect triggers an immediate scan and connect attempt.
func (s *Service) Connect(ctx context.Context) error {
	return s.call(ctx, func() error { s.connect(); return nil })
}

// ConnectDevice connects the device with the given id when present,
// replacing a different currently connected device. With the id absent from
// the scan, the first available device is connected instead.
func (s *Service) ConnectDevice(ctx context.Context, id DeviceId) error {
	return s.call(ctx, func() error { s.connectTo(id); return nil })
}

// Disconnect tears down the connected device. It stays disconnected until
// the next hotplug event or explicit Connect.
func (s *Service) Disconnect(ctx context.Context) error {
	return s.call(ctx, func() error { s.removeDevice(); return nil })
}

// ConnectedDevice returns the id and name of the connected device.
func (s *Service) ConnectedDevice(ctx context.Context) (DeviceId, string, error) {
	var id DeviceId
	var name string
	err := s.call(ctx, func() error {
		if s.device == nil {
			return ErrNotConnected
		}
		id = s.device.ID
		name = s.device.DisplayName()
		return nil
	})
	return id, name, err
}

// SetRecordingMode arms or cancels gesture capture.
func (s *Service) SetRecordingMode(ctx context.Context, recording bool) error {
	return s.call(ctx, func() error {
		if s.device == nil {
			return ErrNotConnected
		}
		s.mapper.SetRecordingMode(recording)
		return nil
	})
}

// InputMapConfig returns the current mapping table.
func (s *Service) InputMapConfig(ctx context.Context) (mapsvc.InputMapConfig, error) {
	var cfg mapsvc.InputMapConfig
	err := s.call(ctx, func() error {
		cfg = s.mapper.Configuration()
		return nil
	})
	return cfg, err
}

// SetInputMapConfig replaces the mapping table and persists it.
func (s *Service) SetInputMapConfig(ctx context.Context, cfg mapsvc.InputMapConfig) error {
	return s.call(ctx, func() error {
		s.mapper.SetConfiguration(cfg)
		if s.store == nil {
			return nil
		}
		return s.store.Save(cfg)
	})
}

// ApplySettings updates the runtime tunables and rescans, so newly allowed
// device ids connect without replugging.
func (s *Service) ApplySettings(ctx context.Context, settings Settings) error {
	return s.call(ctx, func() error {
		s.opts.SpotTimeout = settings.SpotTimeout
		s.opts.HotplugDebounce = settings.HotplugDebounce
		s.opts.AdditionalDevices = settings.AdditionalDevices
		s.opts = s.opts.withDefaults()
		s.opts.Mapper = mapsvc.Options{
			KeyEventInterval:  settings.KeyEventInterval,
			MaxSequenceLength: settings.MaxSequenceLength,
		}
		s.mapper.SetOptions(s.opts.Mapper)
		s.connect()
		return nil
	})
}

// Scan runs a one-off device scan outside the reactor, for CLI listings.
func (s *Service) Scan() ScanResult {
	return s.scanner.Scan(s.opts.AdditionalDevices)
}

// SeenDevice is the registry record kept per connected device id.
type SeenDevice struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

const seenDevicePrefix = "devices/"

func (s *Service) recordSeenDevice(dev *Device) {
	if s.db == nil {
		return
	}
	key := []byte(seenDevicePrefix + dev.ID.String())
	err := s.db.Update(func(txn *badger.Txn) error {
		record := SeenDevice{
			ID:        dev.ID.String(),
			Name:      dev.DisplayName(),
			FirstSeen: time.Now(),
		}
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var prev SeenDevice
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); err == nil && !prev.FirstSeen.IsZero() {
				record.FirstSeen = prev.FirstSeen
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		record.LastSeen = time.Now()
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		s.log.Error("Failed to update device registry", zap.Error(err))
	}
}

// SeenDevices lists every device id the service has ever connected.
func (s *Service) SeenDevices() ([]SeenDevice, error) {
	if s.db == nil {
		return nil, nil
	}
	var records []SeenDevice
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(seenDevicePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var record SeenDevice
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
