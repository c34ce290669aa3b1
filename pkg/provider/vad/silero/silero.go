//go:build cgo

// Package silero implements [vad.Engine] with the Silero VAD v5 ONNX model,
// run through ONNX Runtime (github.com/yalue/onnxruntime_go).
//
// The model scores 512-sample frames at 16 kHz (256 at 8 kHz). Each session
// carries the recurrent state tensor and the trailing context samples of the
// previous frame, which the model expects prepended to every input.
package silero

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// stateLen is the flattened size of the [2, 1, 128] recurrent state.
const stateLen = 2 * 1 * 128

// Option configures an [Engine].
type Option func(*Engine)

// WithSharedLibrary sets the path of the ONNX Runtime shared library. When
// unset the runtime's default search path is used.
func WithSharedLibrary(path string) Option {
	return func(e *Engine) {
		e.libPath = path
	}
}

// Engine is a Silero [vad.Engine]. All sessions share one model session.
type Engine struct {
	libPath string

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	closed  bool
}

var _ vad.Engine = (*Engine)(nil)

// New loads the model at modelPath.
func New(modelPath string, opts ...Option) (*Engine, error) {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	if e.libPath != "" {
		ort.SetSharedLibraryPath(e.libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("silero: initialize onnx runtime: %w", err)
		}
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("silero: load model %q: %w", modelPath, err)
	}
	e.session = session
	return e, nil
}

// Close releases the model session.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.session.Destroy(); err != nil {
		return fmt.Errorf("silero: destroy session: %w", err)
	}
	return nil
}

// frameGeometry returns the frame and context sizes the model expects at rate.
func frameGeometry(rate int) (frame, context int, ok bool) {
	switch rate {
	case 16000:
		return 512, 64, true
	case 8000:
		return 256, 32, true
	default:
		return 0, 0, false
	}
}

// NewSession implements [vad.Engine]. cfg.FrameSizeMs must correspond to
// the model's frame length (32 ms).
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("silero: %w", err)
	}
	frame, context, ok := frameGeometry(cfg.SampleRate)
	if !ok {
		return nil, fmt.Errorf("silero: unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSamples() != frame {
		return nil, fmt.Errorf("silero: frame of %d samples, model expects %d", cfg.FrameSamples(), frame)
	}
	return &session{
		engine:  e,
		rate:    int64(cfg.SampleRate),
		frame:   frame,
		state:   make([]float32, stateLen),
		context: make([]float32, context),
		hyst:    vad.NewHysteresis(cfg),
	}, nil
}

var errClosed = errors.New("silero: session closed")

type session struct {
	engine *Engine
	rate   int64
	frame  int

	mu      sync.Mutex
	state   []float32
	context []float32
	hyst    *vad.Hysteresis
	closed  bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame) != s.frame*2 {
		return vad.VADEvent{}, fmt.Errorf("silero: frame is %d bytes, want %d", len(frame), s.frame*2)
	}

	input := make([]float32, 0, len(s.context)+s.frame)
	input = append(input, s.context...)
	input = append(input, audio.Float32Samples(frame)...)

	p, err := s.engine.infer(input, s.state, s.rate)
	if err != nil {
		return vad.VADEvent{}, err
	}
	copy(s.context, input[len(input)-len(s.context):])
	return s.hyst.Classify(float64(p)), nil
}

// infer runs one model step. state is updated in place.
func (e *Engine) infer(input, state []float32, rate int64) (float32, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return 0, fmt.Errorf("silero: input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), state)
	if err != nil {
		return 0, fmt.Errorf("silero: state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{rate})
	if err != nil {
		return 0, fmt.Errorf("silero: rate tensor: %w", err)
	}
	defer srTensor.Destroy()

	outTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("silero: output tensor: %w", err)
	}
	defer outTensor.Destroy()

	stateOut, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, fmt.Errorf("silero: state output tensor: %w", err)
	}
	defer stateOut.Destroy()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, errClosed
	}
	err = e.session.Run([]ort.Value{inputTensor, stateTensor, srTensor}, []ort.Value{outTensor, stateOut})
	e.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("silero: run: %w", err)
	}

	copy(state, stateOut.GetData())
	return outTensor.GetData()[0], nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.state)
	clear(s.context)
	s.hyst.Reset()
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
