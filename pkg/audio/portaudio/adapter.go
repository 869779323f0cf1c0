package portaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parleyio/parley/pkg/audio"
)

// Compile-time interface checks.
var (
	_ audio.Devices        = (*Adapter)(nil)
	_ audio.InputDevice    = (*inputDevice)(nil)
	_ audio.OutputDevice   = (*outputDevice)(nil)
	_ audio.PlaybackHandle = (*playbackHandle)(nil)
)

// ─── Adapter ──────────────────────────────────────────────────────────────────

// Adapter exposes the host's PortAudio devices through [audio.Devices].
// Create one per process with [New]; it owns library initialisation.
type Adapter struct {
	inputName  string
	outputName string
	log        *slog.Logger
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithInputDevice selects the capture device by case-insensitive name
// substring instead of the system default.
func WithInputDevice(name string) Option {
	return func(a *Adapter) { a.inputName = name }
}

// WithOutputDevice selects the playback device by case-insensitive name
// substring instead of the system default.
func WithOutputDevice(name string) Option {
	return func(a *Adapter) { a.outputName = name }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// New initialises PortAudio and returns an adapter for the host's devices.
func New(opts ...Option) (*Adapter, error) {
	a := &Adapter{log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if err := Initialize(); err != nil {
		return nil, classify(err)
	}
	return a, nil
}

// Close terminates PortAudio. Call only after every opened device is closed.
func (a *Adapter) Close() error {
	return Terminate()
}

// OpenInput implements [audio.Devices]. The microphone stream is opened at
// cfg.SampleRate when the hardware allows it; otherwise it opens at the
// device's default rate and delivered blocks are resampled.
func (a *Adapter) OpenInput(cfg audio.InputConfig) (audio.InputDevice, error) {
	if cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("portaudio: invalid input config: rate %d, block %d", cfg.SampleRate, cfg.BlockSize)
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	index := -1
	if a.inputName != "" {
		var err error
		if index, err = findDevice(a.inputName, true); err != nil {
			return nil, err
		}
	}

	hwRate := cfg.SampleRate
	hwFrames := cfg.BlockSize
	stream, err := openStream(index, channels, -1, 0, float64(hwRate), hwFrames)
	if err != nil && channels == 1 {
		fallback := defaultRate(index, true)
		if fallback > 0 && fallback != cfg.SampleRate {
			hwRate = fallback
			hwFrames = max(1, cfg.BlockSize*hwRate/cfg.SampleRate)
			stream, err = openStream(index, channels, -1, 0, float64(hwRate), hwFrames)
			if err == nil {
				a.log.Warn("microphone cannot open at the conversation rate; resampling",
					"requested", cfg.SampleRate,
					"hardware", hwRate,
				)
			}
		}
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, classify(err)
	}

	return &inputDevice{
		stream:   stream,
		cfg:      cfg,
		channels: channels,
		hwRate:   hwRate,
		hwFrames: hwFrames,
		log:      a.log,
		done:     make(chan struct{}),
	}, nil
}

// OpenOutput implements [audio.Devices]. The speaker stream is opened at
// cfg.SampleRate when the hardware allows it; otherwise it opens at the
// device's default rate and scheduled buffers are resampled.
func (a *Adapter) OpenOutput(cfg audio.OutputConfig) (audio.OutputDevice, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid output config: rate %d", cfg.SampleRate)
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	index := -1
	if a.outputName != "" {
		var err error
		if index, err = findDevice(a.outputName, false); err != nil {
			return nil, err
		}
	}

	hwRate := cfg.SampleRate
	chunk := max(1, hwRate/50) // 20ms per blocking write keeps Stop responsive
	stream, err := openStream(-1, 0, index, channels, float64(hwRate), chunk)
	if err != nil && channels <= 2 {
		fallback := defaultRate(index, false)
		if fallback > 0 && fallback != cfg.SampleRate {
			hwRate = fallback
			chunk = max(1, hwRate/50)
			stream, err = openStream(-1, 0, index, channels, float64(hwRate), chunk)
			if err == nil {
				a.log.Warn("speaker cannot open at the model rate; resampling",
					"requested", cfg.SampleRate,
					"hardware", hwRate,
				)
			}
		}
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, classify(err)
	}

	d := &outputDevice{
		stream:       stream,
		format:       audio.Format{SampleRate: hwRate, Channels: channels},
		scheduleRate: cfg.SampleRate,
		chunkFrames:  chunk,
		log:          a.log,
		opened:       time.Now(),
		base:         stream.Time(),
		loopDone:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.playLoop()
	return d, nil
}

// findDevice returns the index of the first device whose name contains name,
// restricted to devices with channels in the wanted direction.
func findDevice(name string, input bool) (int, error) {
	devices, err := Devices()
	if err != nil {
		return 0, classify(err)
	}
	needle := strings.ToLower(name)
	for _, d := range devices {
		if input && d.MaxInputChannels == 0 {
			continue
		}
		if !input && d.MaxOutputChannels == 0 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d.Index, nil
		}
	}
	direction := "output"
	if input {
		direction = "input"
	}
	return 0, fmt.Errorf("%w: no %s device matching %q", audio.ErrDeviceUnavailable, direction, name)
}

// defaultRate returns the device's default sample rate, or 0 when unknown.
func defaultRate(index int, input bool) int {
	devices, err := Devices()
	if err != nil {
		return 0
	}
	for _, d := range devices {
		if index >= 0 && d.Index != index {
			continue
		}
		if index < 0 {
			if input && !d.IsDefaultInput {
				continue
			}
			if !input && !d.IsDefaultOutput {
				continue
			}
		}
		return int(d.DefaultSampleRate)
	}
	return 0
}

// classify maps PortAudio failures onto the audio error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no default input device"),
		strings.Contains(msg, "no default output device"),
		strings.Contains(msg, "device unavailable"),
		strings.Contains(msg, "invalid device"):
		return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	case strings.Contains(msg, "permission"),
		strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: %w", err)
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// inputDevice delivers captured blocks from one exclusive microphone stream.
type inputDevice struct {
	stream   *Stream
	cfg      audio.InputConfig
	channels int
	hwRate   int
	hwFrames int
	log      *slog.Logger

	mu      sync.Mutex
	handler func([]float32)
	started bool
	closed  bool
	done    chan struct{}
}

// OnBlock implements [audio.InputDevice]. The first registration starts the
// device read loop; blocks arrive sequentially on that goroutine.
func (d *inputDevice) OnBlock(handler func(samples []float32)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	if d.started || d.closed || handler == nil {
		return
	}
	d.started = true
	go d.readLoop()
}

func (d *inputDevice) readLoop() {
	defer close(d.done)
	blockSamples := d.cfg.BlockSize * d.channels
	var pending []float32
	for {
		samples, err := d.stream.Read(d.hwFrames)
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.log.Warn("microphone read failed; capture stopped", "err", err)
			}
			return
		}

		floats := int16ToFloat(samples)
		if d.hwRate != d.cfg.SampleRate {
			floats = resampleFloat32(floats, d.hwRate, d.cfg.SampleRate)
		}
		pending = append(pending, floats...)

		for len(pending) >= blockSamples {
			block := make([]float32, blockSamples)
			copy(block, pending)
			n := copy(pending, pending[blockSamples:])
			pending = pending[:n]

			d.mu.Lock()
			handler := d.handler
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			if handler != nil {
				handler(block)
			}
		}
	}
}

// Close implements [audio.InputDevice]. It blocks until the in-flight
// hardware read completes and guarantees no further block delivery.
func (d *inputDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	err := d.stream.Close()
	if started {
		<-d.done
	}
	return err
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// outputDevice plays scheduled buffers through one exclusive speaker stream.
// A single playout goroutine writes buffers in schedule order, padding with
// silence up to each buffer's start time so that consecutive buffers join
// without a gap.
type outputDevice struct {
	stream       *Stream
	format       audio.Format // hardware format written to the stream
	scheduleRate int          // rate of PCM passed to ScheduleBuffer
	chunkFrames  int
	log          *slog.Logger
	opened       time.Time
	base         float64 // stream clock at open; 0 when unsupported

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*playbackHandle
	closed   bool
	closedAt time.Duration
	loopDone chan struct{}
}

// Now implements [audio.OutputDevice]. It prefers the PortAudio stream clock
// and falls back to wall time from open when the host API has none. After
// Close the clock is frozen at its final position.
func (d *outputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nowLocked()
}

func (d *outputDevice) nowLocked() time.Duration {
	if d.closed {
		return d.closedAt
	}
	if d.base > 0 {
		if t := d.stream.Time(); t > 0 {
			return time.Duration((t - d.base) * float64(time.Second))
		}
	}
	return time.Since(d.opened)
}

// ScheduleBuffer implements [audio.OutputDevice].
func (d *outputDevice) ScheduleBuffer(pcm []byte, start time.Duration) (audio.PlaybackHandle, error) {
	if len(pcm)%(2*d.format.Channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not aligned to %d-channel int16 frames",
			audio.ErrMalformedFrame, len(pcm), d.format.Channels)
	}
	if d.scheduleRate != d.format.SampleRate {
		if d.format.Channels == 1 {
			pcm = audio.ResampleMono16(pcm, d.scheduleRate, d.format.SampleRate)
		} else {
			pcm = audio.ResampleStereo16(pcm, d.scheduleRate, d.format.SampleRate)
		}
	}

	h := &playbackHandle{samples: pcmToInt16(pcm), start: start}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("portaudio: output device closed")
	}
	d.queue = append(d.queue, h)
	d.cond.Signal()
	return h, nil
}

// Close implements [audio.OutputDevice]. Everything still queued or playing
// stops; finished callbacks for cut-off buffers never fire.
func (d *outputDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closedAt = d.nowLocked()
	d.closed = true
	d.queue = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	err := d.stream.Close()
	<-d.loopDone
	return err
}

func (d *outputDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// playLoop drains the schedule queue into blocking stream writes. writeEnd
// tracks the device-clock position up to which audio (or silence) has been
// written; it is what makes back-to-back buffers gapless and future starts
// precise.
func (d *outputDevice) playLoop() {
	defer close(d.loopDone)

	samplesPerChunk := d.chunkFrames * d.format.Channels
	zeros := make([]int16, samplesPerChunk)

	d.mu.Lock()
	writeEnd := d.nowLocked()
	d.mu.Unlock()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		h := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if h.isStopped() {
			continue
		}

		// Pad with silence up to the scheduled start. The stream stays hot,
		// so the buffer begins exactly on time with no wake-up gap.
		for gap := h.start - writeEnd; gap > 0; gap = h.start - writeEnd {
			if d.isClosed() {
				return
			}
			if h.isStopped() {
				break
			}
			frames := int(int64(gap) * int64(d.format.SampleRate) / int64(time.Second))
			if frames <= 0 {
				break
			}
			if frames > d.chunkFrames {
				frames = d.chunkFrames
			}
			if err := d.stream.Write(zeros[:frames*d.format.Channels]); err != nil {
				d.warnWrite(err)
				return
			}
			writeEnd += d.format.Duration(frames * d.format.Channels * 2)
		}

		for off := 0; off < len(h.samples); {
			if d.isClosed() {
				return
			}
			if h.isStopped() {
				break
			}
			end := off + samplesPerChunk
			if end > len(h.samples) {
				end = len(h.samples)
			}
			if err := d.stream.Write(h.samples[off:end]); err != nil {
				d.warnWrite(err)
				return
			}
			writeEnd += d.format.Duration((end - off) * 2)
			off = end
		}

		if h.isStopped() {
			continue
		}
		// Writes complete ahead of playback by the device's internal buffer;
		// fire the finished callback when the audio has actually played out.
		if delay := writeEnd - d.Now(); delay > 0 {
			time.AfterFunc(delay, h.finish)
		} else {
			h.finish()
		}
	}
}

func (d *outputDevice) warnWrite(err error) {
	if !d.isClosed() {
		d.log.Warn("speaker write failed; playback stopped", "err", err)
	}
}

// ─── PlaybackHandle ───────────────────────────────────────────────────────────

// playbackHandle tracks one scheduled buffer through the playout queue.
type playbackHandle struct {
	samples []int16
	start   time.Duration

	mu         sync.Mutex
	onFinished func()
	stopped    bool
	finished   bool
}

// OnFinished implements [audio.PlaybackHandle]. A callback registered after
// a very short buffer already played out still fires, asynchronously.
func (h *playbackHandle) OnFinished(cb func()) {
	h.mu.Lock()
	if h.finished && !h.stopped && cb != nil {
		h.mu.Unlock()
		go cb()
		return
	}
	h.onFinished = cb
	h.mu.Unlock()
}

// Stop implements [audio.PlaybackHandle]. The playout loop drops the buffer
// at its next chunk boundary; audio already handed to the hardware drains.
func (h *playbackHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

func (h *playbackHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// finish fires the finished callback once. Stopped handles never fire.
func (h *playbackHandle) finish() {
	h.mu.Lock()
	if h.stopped || h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	cb := h.onFinished
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ─── PCM helpers ──────────────────────────────────────────────────────────────

// int16ToFloat converts device samples to floats in [-1, 1).
func int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// pcmToInt16 decodes little-endian PCM16 bytes. The caller has already
// checked alignment.
func pcmToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// resampleFloat32 resamples mono float samples from srcRate to dstRate using
// linear interpolation, mirroring [audio.ResampleMono16].
func resampleFloat32(src []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(src) == 0 {
		return src
	}
	dstSamples := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := src[srcIdx]
		s1 := s0
		if srcIdx+1 < len(src) {
			s1 = src[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
