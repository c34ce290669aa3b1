//go:build cgo

// Package malgo implements [audio.Backend] on top of miniaudio through the
// github.com/gen2brain/malgo bindings.
//
// Capture devices are opened in float32 at the hardware rate and channel
// count; the capture gateway converts to the wire format. Render devices keep
// a queue of scheduled buffers that the hardware callback drains, invoking
// each buffer's completion callback once its last byte has been copied out.
package malgo

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// Config controls how devices are opened.
type Config struct {
	// SampleRate requests a hardware rate. Zero uses the device default.
	SampleRate int

	// PeriodMs is the hardware callback period in milliseconds.
	// Zero uses 10 ms.
	PeriodMs int

	// Int16 requests signed 16-bit samples instead of float32.
	Int16 bool
}

const defaultPeriodMs = 10

// Context is an [audio.Backend] owning one miniaudio context.
type Context struct {
	ctx *malgo.AllocatedContext
	cfg Config
}

var _ audio.Backend = (*Context)(nil)

// NewContext initialises miniaudio with realtime callback priority.
func NewContext(cfg Config) (*Context, error) {
	if cfg.PeriodMs <= 0 {
		cfg.PeriodMs = defaultPeriodMs
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, func(msg string) {
		slog.Debug("malgo", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Context{ctx: mctx, cfg: cfg}, nil
}

// Close implements [audio.Backend].
func (c *Context) Close() error {
	err := c.ctx.Uninit()
	c.ctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

// deviceConfig builds a miniaudio config for typ, resolving id by device
// name when it is non-empty.
func (c *Context) deviceConfig(typ malgo.DeviceType, id string) (malgo.DeviceConfig, error) {
	cfg := malgo.DefaultDeviceConfig(typ)
	cfg.SampleRate = uint32(c.cfg.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(c.cfg.PeriodMs)
	format := malgo.FormatF32
	if c.cfg.Int16 {
		format = malgo.FormatS16
	}

	var sub *malgo.SubConfig
	if typ == malgo.Capture {
		sub = &cfg.Capture
	} else {
		sub = &cfg.Playback
	}
	sub.Format = format

	if id == "" {
		return cfg, nil
	}
	infos, err := c.ctx.Devices(typ)
	if err != nil {
		return cfg, fmt.Errorf("malgo: enumerate devices: %w", err)
	}
	for _, info := range infos {
		if info.Name() == id {
			sub.DeviceID = info.ID.Pointer()
			return cfg, nil
		}
	}
	return cfg, fmt.Errorf("malgo: device %q not found", id)
}

// encodingOf maps a miniaudio sample format to the audio package's encoding.
// Unsupported formats map to an encoding the converter rejects.
func encodingOf(f malgo.FormatType) audio.SampleEncoding {
	switch f {
	case malgo.FormatS16:
		return audio.EncodingInt16
	case malgo.FormatF32:
		return audio.EncodingFloat32
	default:
		return audio.SampleEncoding(-1)
	}
}

// ─── Input ────────────────────────────────────────────────────────────────────

// OpenInput implements [audio.Backend].
func (c *Context) OpenInput(id string) (audio.InputDevice, error) {
	cfg, err := c.deviceConfig(malgo.Capture, id)
	if err != nil {
		return nil, err
	}
	in := &inputDevice{}
	dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			if h := in.handler.Load(); h != nil {
				(*h)(pInput)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	in.dev = dev
	in.format = audio.DeviceFormat{
		Format: audio.Format{
			SampleRate: int(dev.SampleRate()),
			Channels:   int(dev.CaptureChannels()),
		},
		Encoding: encodingOf(dev.CaptureFormat()),
	}
	slog.Info("capture device opened", "id", id, "format", in.format.String())
	return in, nil
}

type inputDevice struct {
	mu      sync.Mutex
	dev     *malgo.Device
	format  audio.DeviceFormat
	handler atomic.Pointer[func([]byte)]
}

func (d *inputDevice) Format() audio.DeviceFormat { return d.format }

func (d *inputDevice) Start(onData func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return errors.New("malgo: capture device closed")
	}
	d.handler.Store(&onData)
	if d.dev.IsStarted() {
		return nil
	}
	if err := d.dev.Start(); err != nil {
		d.handler.Store(nil)
		return fmt.Errorf("malgo: start capture: %w", err)
	}
	return nil
}

func (d *inputDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler.Store(nil)
	if d.dev == nil || !d.dev.IsStarted() {
		return nil
	}
	if err := d.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop capture: %w", err)
	}
	return nil
}

func (d *inputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler.Store(nil)
	if d.dev != nil {
		d.dev.Uninit()
		d.dev = nil
	}
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OpenOutput implements [audio.Backend]. The device is initialised but not
// started; the playback streamer starts it on the first schedule.
func (c *Context) OpenOutput(id string) (audio.OutputDevice, error) {
	cfg, err := c.deviceConfig(malgo.Playback, id)
	if err != nil {
		return nil, err
	}
	out := &outputDevice{ctx: c.ctx.Context, cfg: cfg}
	if err := out.initLocked(); err != nil {
		return nil, err
	}
	slog.Info("playback device opened", "id", id, "format", out.format.String())
	return out, nil
}

type queued struct {
	data []byte
	off  int
	done func()
}

type outputDevice struct {
	ctx malgo.Context
	cfg malgo.DeviceConfig

	// lifecycle guards dev; mu guards the render queue and is the only
	// lock taken on the hardware thread.
	lifecycle sync.Mutex
	dev       *malgo.Device
	format    audio.DeviceFormat
	closed    bool

	mu      sync.Mutex
	queue   []queued
	scratch []func()
}

func (d *outputDevice) initLocked() error {
	dev, err := malgo.InitDevice(d.ctx, d.cfg, malgo.DeviceCallbacks{Data: d.fill})
	if err != nil {
		return fmt.Errorf("malgo: init playback device: %w", err)
	}
	d.dev = dev
	d.format = audio.DeviceFormat{
		Format: audio.Format{
			SampleRate: int(dev.SampleRate()),
			Channels:   int(dev.PlaybackChannels()),
		},
		Encoding: encodingOf(dev.PlaybackFormat()),
	}
	return nil
}

// fill runs on the hardware thread. It copies queued audio into out, pads
// with silence, and fires completion callbacks after releasing mu.
func (d *outputDevice) fill(out, _ []byte, _ uint32) {
	done := d.scratch[:0]
	n := 0
	d.mu.Lock()
	for n < len(out) && len(d.queue) > 0 {
		head := &d.queue[0]
		c := copy(out[n:], head.data[head.off:])
		n += c
		head.off += c
		if head.off == len(head.data) {
			if head.done != nil {
				done = append(done, head.done)
			}
			d.queue[0] = queued{}
			d.queue = d.queue[1:]
		}
	}
	d.mu.Unlock()
	clear(out[n:])

	for _, fn := range done {
		fn()
	}
	clear(done)
	d.scratch = done[:0]
}

func (d *outputDevice) Format() audio.DeviceFormat {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.format
}

func (d *outputDevice) Start() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.closed {
		return errors.New("malgo: playback device closed")
	}
	if d.dev == nil {
		if err := d.initLocked(); err != nil {
			return err
		}
	}
	if d.dev.IsStarted() {
		return nil
	}
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start playback: %w", err)
	}
	return nil
}

// Stop tears the render path down completely; the next Start re-creates it.
func (d *outputDevice) Stop() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.dev != nil {
		d.dev.Uninit()
		d.dev = nil
	}
	d.Reset()
	return nil
}

func (d *outputDevice) Running() bool {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.dev != nil && d.dev.IsStarted()
}

func (d *outputDevice) Schedule(buf []byte, done func()) error {
	if !d.Running() {
		return errors.New("malgo: playback device not running")
	}
	d.mu.Lock()
	d.queue = append(d.queue, queued{data: buf, done: done})
	d.mu.Unlock()
	return nil
}

func (d *outputDevice) Reset() {
	d.mu.Lock()
	clear(d.queue)
	d.queue = d.queue[:0]
	d.mu.Unlock()
}

func (d *outputDevice) Close() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.closed = true
	if d.dev != nil {
		d.dev.Uninit()
		d.dev = nil
	}
	d.Reset()
	return nil
}
