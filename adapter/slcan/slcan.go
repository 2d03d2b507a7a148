// Package slcan is a canlink.Transport for serial line CAN adapters
// (CANable, CANtact, Lawicel compatible firmware). Each serial port is one
// device with a single channel.
package slcan

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/pkg/syncutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 115200
	DefaultBitrate  = 500

	readTimeout = 10 * time.Millisecond
	// rxLimit bounds frames buffered between sweeps, oldest go first
	rxLimit = 10_000
)

var (
	ErrNoPort        = errors.New("slcan: no serial port for device index")
	ErrUnknownHandle = errors.New("slcan: unknown handle")
	ErrBitrate       = errors.New("slcan: unsupported bitrate")
	ErrChannel       = errors.New("slcan: adapter has a single channel")
	ErrNotStarted    = errors.New("slcan: channel not started")
)

var bitrateCommands = map[int]string{
	10:   "S0",
	20:   "S1",
	50:   "S2",
	100:  "S3",
	125:  "S4",
	250:  "S5",
	500:  "S6",
	750:  "S7",
	1000: "S8",
}

// Port is the part of serial.Port the transport uses.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Opener opens a serial port by name.
type Opener func(name string, mode *serial.Mode) (Port, error)

func openSerial(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

// ListPorts returns the serial ports present on the machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

type Config struct {
	// Ports maps device index to serial port name.
	Ports    []string
	BaudRate int
	// Bitrate in kbit/s.
	Bitrate int
	Opener  Opener
	Logger  *zerolog.Logger
}

type device struct {
	name     string
	port     Port
	listen   bool
	started  bool
	mu       syncutil.Mutex
	rx       []canlink.CANFrame
	dropped  int
	closing  chan struct{}
	readDone chan struct{}
}

type Transport struct {
	cfg  Config
	log  zerolog.Logger
	mu   syncutil.Mutex
	devs map[uintptr]*device
}

var _ canlink.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = DefaultBitrate
	}
	if _, ok := bitrateCommands[cfg.Bitrate]; !ok {
		return nil, fmt.Errorf("%w: %d kbit/s", ErrBitrate, cfg.Bitrate)
	}
	if cfg.Opener == nil {
		cfg.Opener = openSerial
	}
	l := log.With().Str("adapter", "slcan").Logger()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Transport{
		cfg:  cfg,
		log:  l,
		devs: make(map[uintptr]*device),
	}, nil
}

func (t *Transport) Name() string {
	return "SLCan"
}

func (t *Transport) device(h uintptr) (*device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devs[h]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownHandle, h)
	}
	return d, nil
}

// OpenDevice opens the serial port configured for index. Handles are
// index+1, the same value is used for the channel.
func (t *Transport) OpenDevice(_ canlink.DeviceKind, index int) (canlink.DeviceHandle, error) {
	if index < 0 || index >= len(t.cfg.Ports) {
		return 0, fmt.Errorf("%w %d", ErrNoPort, index)
	}
	name := t.cfg.Ports[index]
	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := t.cfg.Opener(name, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to open com port %q: %w", name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return 0, err
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return 0, err
	}

	h := uintptr(index + 1)
	t.mu.Lock()
	t.devs[h] = &device{name: name, port: p}
	t.mu.Unlock()
	return canlink.DeviceHandle(h), nil
}

// SetParameter has nothing to configure on a serial adapter, network
// parameters are rejected.
func (t *Transport) SetParameter(dev canlink.DeviceHandle, path, value string) error {
	return fmt.Errorf("slcan: parameter %s not supported", path)
}

// InitChannel closes the bus in case the adapter was left open and sets the
// bitrate.
func (t *Transport) InitChannel(dev canlink.DeviceHandle, index int, cfg canlink.ChannelConfig) (canlink.ChannelHandle, error) {
	if index != 0 {
		return 0, fmt.Errorf("%w, got index %d", ErrChannel, index)
	}
	d, err := t.device(uintptr(dev))
	if err != nil {
		return 0, err
	}
	if err := d.command("C"); err != nil {
		return 0, err
	}
	if err := d.command(bitrateCommands[t.cfg.Bitrate]); err != nil {
		return 0, err
	}
	d.listen = cfg.Mode == 1
	return canlink.ChannelHandle(dev), nil
}

func (t *Transport) StartChannel(ch canlink.ChannelHandle) error {
	d, err := t.device(uintptr(ch))
	if err != nil {
		return err
	}
	cmd := "O"
	if d.listen {
		cmd = "L"
	}
	if err := d.command(cmd); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.started = true
	d.closing = make(chan struct{})
	d.readDone = make(chan struct{})
	go t.readLoop(d)
	return nil
}

func (t *Transport) PendingCount(ch canlink.ChannelHandle) (int, error) {
	d, err := t.device(uintptr(ch))
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return 0, ErrNotStarted
	}
	return len(d.rx), nil
}

func (t *Transport) Receive(ch canlink.ChannelHandle, buf []canlink.CANFrame) (int, error) {
	d, err := t.device(uintptr(ch))
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return 0, ErrNotStarted
	}
	n := copy(buf, d.rx)
	d.rx = d.rx[n:]
	if d.dropped > 0 {
		t.log.Warn().Str("port", d.name).Int("dropped", d.dropped).Msg("receive buffer overflow")
		d.dropped = 0
	}
	return n, nil
}

func (t *Transport) Transmit(ch canlink.ChannelHandle, frames ...canlink.CANFrame) (int, error) {
	d, err := t.device(uintptr(ch))
	if err != nil {
		return 0, err
	}
	for i, f := range frames {
		if _, err := d.port.Write(Encode(f)); err != nil {
			return i, fmt.Errorf("failed to write to com port: %w", err)
		}
	}
	return len(frames), nil
}

// CloseDevice closes the bus and the port and waits for the reader.
func (t *Transport) CloseDevice(dev canlink.DeviceHandle) error {
	t.mu.Lock()
	d, ok := t.devs[uintptr(dev)]
	delete(t.devs, uintptr(dev))
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownHandle, dev)
	}

	if err := d.command("C"); err != nil {
		t.log.Debug().Err(err).Str("port", d.name).Msg("close bus")
	}
	d.mu.Lock()
	started := d.started
	if started {
		close(d.closing)
	}
	d.mu.Unlock()
	err := d.port.Close()
	if started {
		<-d.readDone
	}
	return err
}

func (d *device) command(cmd string) error {
	if _, err := d.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("slcan %s: %w", cmd, err)
	}
	return nil
}

func (t *Transport) readLoop(d *device) {
	defer close(d.readDone)
	var line []byte
	buf := make([]byte, 64)
	for {
		n, err := d.port.Read(buf)
		select {
		case <-d.closing:
			return
		default:
		}
		if err != nil {
			t.log.Error().Err(err).Str("port", d.name).Msg("failed to read com port")
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r':
				if len(line) > 0 {
					t.handleLine(d, line)
				}
				line = line[:0]
			case 0x07: // bell, last command was not understood
				t.log.Warn().Str("port", d.name).Msg("adapter rejected command")
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
	}
}

func (t *Transport) handleLine(d *device, line []byte) {
	switch line[0] {
	case 't', 'T', 'r', 'R':
		f, err := Decode(line)
		if err != nil {
			t.log.Warn().Err(err).Str("port", d.name).Msg("failed to decode frame")
			return
		}
		d.mu.Lock()
		if len(d.rx) >= rxLimit {
			d.rx = d.rx[1:]
			d.dropped++
		}
		d.rx = append(d.rx, f)
		d.mu.Unlock()
	case 'F':
		if err := DecodeStatus(line); err != nil {
			t.log.Warn().Err(err).Str("port", d.name).Msg("CAN status")
		}
	case 'z', 'Z':
		// transmit ack
	default:
		t.log.Debug().Str("port", d.name).Bytes("line", line).Msg("unknown message")
	}
}
