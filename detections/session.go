package detections

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// newSessionOptions builds ONNX Runtime session options for the configured
// device. A "cuda" device that cannot be initialized falls back to CPU with a
// warning rather than failing the load.
func newSessionOptions(device string, log *logrus.Entry) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(runtime.NumCPU()); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("setting inter-op threads: %w", err)
	}

	if device == "cuda" {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			log.WithError(err).Warn("CUDA requested but unavailable, using CPU")
			return options, nil
		}
		defer cudaOptions.Destroy()

		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			log.WithError(err).Warn("CUDA provider rejected, using CPU")
		}
	}

	return options, nil
}
