package main

import (
	"fmt"
	"os"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// defaultLibraryPaths are tried in order when ONNXRUNTIME_LIB is unset.
var defaultLibraryPaths = map[string][]string{
	"linux": {
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	},
	"darwin": {
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	},
	"windows": {
		"onnxruntime.dll",
	},
}

// initONNXRuntime locates the ONNX Runtime shared library and initializes
// the environment. The returned func tears it down at process exit.
func initONNXRuntime(configuredPath string) (func(), error) {
	libPath, err := resolveLibraryPath(configuredPath)
	if err != nil {
		return nil, err
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime from %s: %w", libPath, err)
	}

	return func() { ort.DestroyEnvironment() }, nil
}

func resolveLibraryPath(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("ONNXRUNTIME_LIB %s: %w", configured, err)
		}
		return configured, nil
	}

	for _, p := range defaultLibraryPaths[runtime.GOOS] {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ONNX Runtime library not found; set ONNXRUNTIME_LIB")
}
