// Package onnxrt adapts ONNX Runtime (via yalue/onnxruntime_go) to the
// inference.Session interface. This is the production session builder;
// tests install fakes instead.
package onnxrt

import (
	"encoding/binary"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/upscalarr/upscalarr/internal/inference"
)

var initOnce sync.Once
var initErr error

// Install registers this package as the process-wide session builder.
func Install() {
	inference.SetBuilder(Build)
}

// SetSharedLibraryPath points the runtime at a specific onnxruntime shared
// library. Must be called before the first session is built.
func SetSharedLibraryPath(path string) {
	ort.SetSharedLibraryPath(path)
}

func ensureEnvironment() error {
	initOnce.Do(func() {
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// Build creates an ONNX Runtime backed session.
func Build(cfg inference.Config) (inference.Session, error) {
	if err := ensureEnvironment(); err != nil {
		return nil, fmt.Errorf("initializing onnxruntime environment: %w", err)
	}

	inputInfos, outputInfos, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inspecting model %q: %w", cfg.ModelPath, err)
	}

	inputs := make([]inference.IOInfo, len(inputInfos))
	inputNames := make([]string, len(inputInfos))
	for i, info := range inputInfos {
		inputs[i] = inference.IOInfo{Name: info.Name, Type: elementTypeOf(info)}
		inputNames[i] = info.Name
	}
	outputs := make([]inference.IOInfo, len(outputInfos))
	outputNames := make([]string, len(outputInfos))
	for i, info := range outputInfos {
		outputs[i] = inference.IOInfo{Name: info.Name, Type: elementTypeOf(info)}
		outputNames[i] = info.Name
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	defer options.Destroy()

	switch cfg.Backend {
	case inference.BackendCuda:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOpts.Destroy()
			// Fall through to CPU when the provider is unavailable.
			_ = options.AppendExecutionProviderCUDA(cudaOpts)
		}
	case inference.BackendTensorRT:
		trtOpts, err := ort.NewTensorRTProviderOptions()
		if err == nil {
			defer trtOpts.Destroy()
			if cfg.TRTCacheDir != "" {
				_ = trtOpts.Update(map[string]string{
					"trt_engine_cache_enable": "1",
					"trt_engine_cache_path":   cfg.TRTCacheDir,
				})
			}
			_ = options.AppendExecutionProviderTensorRT(trtOpts)
		}
	case inference.BackendCPU:
		// Default provider.
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("creating session for %q: %w", cfg.ModelPath, err)
	}

	return &ortSession{
		session:     session,
		inputs:      inputs,
		outputs:     outputs,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

type ortSession struct {
	session     *ort.DynamicAdvancedSession
	inputs      []inference.IOInfo
	outputs     []inference.IOInfo
	inputNames  []string
	outputNames []string
}

func (s *ortSession) Inputs() []inference.IOInfo  { return s.inputs }
func (s *ortSession) Outputs() []inference.IOInfo { return s.outputs }

func (s *ortSession) Run(inputs map[string]*inference.Tensor) (map[string]*inference.Tensor, error) {
	inputValues := make([]ort.Value, len(s.inputNames))
	for i, name := range s.inputNames {
		tensor, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor %q", name)
		}
		value, err := toOrtValue(tensor)
		if err != nil {
			return nil, fmt.Errorf("converting input %q: %w", name, err)
		}
		defer value.Destroy()
		inputValues[i] = value
	}

	outputValues := make([]ort.Value, len(s.outputNames))
	if err := s.session.Run(inputValues, outputValues); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}

	results := make(map[string]*inference.Tensor, len(s.outputNames))
	for i, name := range s.outputNames {
		tensor, err := fromOrtValue(outputValues[i])
		if err != nil {
			return nil, fmt.Errorf("converting output %q: %w", name, err)
		}
		results[name] = tensor
		outputValues[i].Destroy()
	}
	return results, nil
}

func (s *ortSession) Close() error {
	return s.session.Destroy()
}

func elementTypeOf(info ort.InputOutputInfo) inference.ElementType {
	if info.DataType == ort.TensorElementDataTypeFloat16 {
		return inference.F16
	}
	return inference.F32
}

func toOrtValue(t *inference.Tensor) (ort.Value, error) {
	shape := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int64(d)
	}
	switch t.Type {
	case inference.F32:
		return ort.NewTensor(ort.NewShape(shape...), t.F32)
	case inference.F16:
		raw := make([]byte, len(t.F16)*2)
		for i, bits := range t.F16 {
			binary.LittleEndian.PutUint16(raw[i*2:], bits)
		}
		return ort.NewCustomDataTensor(ort.NewShape(shape...), raw, ort.TensorElementDataTypeFloat16)
	default:
		return nil, fmt.Errorf("unsupported tensor element type %s", t.Type)
	}
}

func fromOrtValue(v ort.Value) (*inference.Tensor, error) {
	dims := v.GetShape()
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}

	switch tensor := v.(type) {
	case *ort.Tensor[float32]:
		data := tensor.GetData()
		out := make([]float32, len(data))
		copy(out, data)
		return inference.NewF32Tensor(shape, out), nil
	case *ort.CustomDataTensor:
		raw := tensor.GetData()
		out := make([]uint16, len(raw)/2)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		return inference.NewF16Tensor(shape, out), nil
	default:
		return nil, fmt.Errorf("unsupported output value type %T", v)
	}
}
