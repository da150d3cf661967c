// Package onnx runs Wav2Lip-style models exported to ONNX through
// github.com/yalue/onnxruntime_go.
//
// The model must expose the inputs "mel_spectrogram" [B,1,80,16] and
// "video_frames" [B,6,S,S] and the output "predicted_frames" [B,3,S,S].
// The output is transposed to NHWC before it is returned.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/lipsync/pkg/provider/lipsync"
)

var _ lipsync.Model = (*Model)(nil)

const (
	inputMel    = "mel_spectrogram"
	inputFrames = "video_frames"
	outputName  = "predicted_frames"
)

var (
	envMu    sync.Mutex
	envUsers int
)

// Model is a lipsync.Model backed by an onnxruntime session.
type Model struct {
	session *ort.DynamicAdvancedSession
	device  string

	closeOnce sync.Once
	closeErr  error
}

// Option configures New.
type Option func(*config)

type config struct {
	device  string
	threads int
}

// WithDevice selects the execution device. "CPU" (default) uses the built-in
// CPU provider; "GPU", "NPU" and "AUTO" go through the OpenVINO provider.
func WithDevice(device string) Option {
	return func(c *config) {
		c.device = strings.ToUpper(device)
	}
}

// WithThreads sets the intra-op thread count. 0 keeps the runtime default.
func WithThreads(n int) Option {
	return func(c *config) {
		c.threads = n
	}
}

// LibraryPath returns the onnxruntime shared library to load, honouring
// ONNXRUNTIME_LIB_PATH.
func LibraryPath() string {
	if p := os.Getenv("ONNXRUNTIME_LIB_PATH"); p != "" {
		return p
	}

	var candidates []string
	var fallback string
	switch runtime.GOOS {
	case "windows":
		candidates = []string{"onnxruntime.dll", "./lib/onnxruntime.dll"}
		fallback = "onnxruntime.dll"
	case "darwin":
		candidates = []string{"/usr/local/lib/libonnxruntime.dylib", "/opt/homebrew/lib/libonnxruntime.dylib", "./libonnxruntime.dylib"}
		fallback = "libonnxruntime.dylib"
	default:
		candidates = []string{"/usr/lib/libonnxruntime.so", "/usr/local/lib/libonnxruntime.so", "./libonnxruntime.so", "./lib/libonnxruntime.so"}
		fallback = "libonnxruntime.so"
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return fallback
}

func acquireEnv() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 {
		ort.SetSharedLibraryPath(LibraryPath())
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}
	envUsers++
	return nil
}

func releaseEnv() error {
	envMu.Lock()
	defer envMu.Unlock()
	envUsers--
	if envUsers > 0 {
		return nil
	}
	return ort.DestroyEnvironment()
}

// New loads the model at path. Each call creates an independent session; the
// runtime environment is shared and torn down with the last Close.
func New(path string, opts ...Option) (*Model, error) {
	if path == "" {
		return nil, errors.New("onnx: model path must not be empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("onnx: model: %w", err)
	}
	cfg := &config{device: "CPU"}
	for _, o := range opts {
		o(cfg)
	}

	if err := acquireEnv(); err != nil {
		return nil, err
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		_ = releaseEnv()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputMel, inputFrames}, []string{outputName}, options)
	if err != nil {
		_ = releaseEnv()
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	slog.Info("lip-sync model loaded", "path", path, "device", cfg.device)
	return &Model{session: session, device: cfg.device}, nil
}

func sessionOptions(cfg *config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	if cfg.threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.threads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("onnx: set threads: %w", err)
		}
	}
	switch cfg.device {
	case "", "CPU":
	case "GPU", "NPU", "AUTO":
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{"device_type": cfg.device}); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("onnx: openvino provider for %s: %w", cfg.device, err)
		}
	default:
		options.Destroy()
		return nil, fmt.Errorf("onnx: unsupported device %q", cfg.device)
	}
	return options, nil
}

// Device reports the execution device.
func (m *Model) Device() string {
	return m.device
}

// Predict implements lipsync.Model.
func (m *Model) Predict(ctx context.Context, mel, faces []float32, batch, size int) ([]float32, error) {
	if err := lipsync.CheckInput(mel, faces, batch, size); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	melTensor, err := ort.NewTensor(ort.NewShape(int64(batch), 1, lipsync.MelBands, lipsync.MelSteps), mel)
	if err != nil {
		return nil, fmt.Errorf("onnx: mel tensor: %w", err)
	}
	defer melTensor.Destroy()

	faceTensor, err := ort.NewTensor(ort.NewShape(int64(batch), lipsync.FaceChannels, int64(size), int64(size)), faces)
	if err != nil {
		return nil, fmt.Errorf("onnx: face tensor: %w", err)
	}
	defer faceTensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := m.session.Run([]ort.Value{melTensor, faceTensor}, outputs); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	if outputs[0] == nil {
		return nil, errors.New("onnx: no output from model")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("onnx: unexpected output tensor type")
	}
	data := out.GetData()
	if len(data) != lipsync.OutputLen(batch, size) {
		return nil, fmt.Errorf("onnx: output shape %v does not match batch %d size %d", out.GetShape(), batch, size)
	}
	return ToNHWC(data, batch, lipsync.OutChannels, size), nil
}

// ToNHWC converts a [B,C,S,S] tensor into [B,S,S,C].
func ToNHWC(src []float32, batch, channels, size int) []float32 {
	dst := make([]float32, len(src))
	plane := size * size
	for b := 0; b < batch; b++ {
		base := b * channels * plane
		for c := 0; c < channels; c++ {
			for p := 0; p < plane; p++ {
				dst[base+p*channels+c] = src[base+c*plane+p]
			}
		}
	}
	return dst
}

// Close implements lipsync.Model.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		if m.session != nil {
			m.closeErr = m.session.Destroy()
		}
		if err := releaseEnv(); err != nil {
			m.closeErr = errors.Join(m.closeErr, err)
		}
	})
	return m.closeErr
}
