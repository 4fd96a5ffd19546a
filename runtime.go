package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	gopsutilcpu "github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"

	"github.com/Tutortoise/equipment-scanner/pipeline"
)

const libDir = "lib"

// sharedLibraryPath returns the configured ONNX Runtime library, or the
// platform default under ./lib.
func sharedLibraryPath(configured string) string {
	if configured != "" {
		return configured
	}

	libName := "libonnxruntime.so.1.20.0"
	switch runtime.GOOS {
	case "darwin":
		libName = "libonnxruntime.1.20.0.dylib"
	case "windows":
		libName = "onnxruntime.dll"
	}
	return filepath.Join(libDir, libName)
}

// checkArtifacts makes sure the model and runtime library exist before any
// initialization starts.
func checkArtifacts(modelPath, libPath string) error {
	if _, err := os.Stat(modelPath); err != nil {
		return &pipeline.StartupError{Op: "load model", Cause: fmt.Errorf("model file not found: %s", modelPath)}
	}
	if _, err := os.Stat(libPath); err != nil {
		return &pipeline.StartupError{Op: "load onnxruntime", Cause: fmt.Errorf("shared library not found: %s", libPath)}
	}
	return nil
}

func initRuntime(libPath string, log logrus.FieldLogger) error {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return &pipeline.StartupError{Op: "initialize onnxruntime", Cause: err}
	}

	log.WithFields(logrus.Fields{
		"library": libPath,
		"avx2":    cpu.X86.HasAVX2,
		"avx512":  cpu.X86.HasAVX512,
		"neon":    cpu.ARM64.HasASIMD,
	}).Info("onnxruntime initialized")
	return nil
}

// defaultPoolSize is one session per physical core.
func defaultPoolSize() int {
	n, err := gopsutilcpu.Counts(false)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return max(1, n)
}

// threadsPerSession splits the logical cores between the pool's sessions so
// concurrent inferences do not oversubscribe the CPU.
func threadsPerSession(poolSize int) int {
	return max(1, runtime.NumCPU()/max(1, poolSize))
}
