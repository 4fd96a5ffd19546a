package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Scan.Confidence, test.ShouldEqual, float32(0.3))
	test.That(t, cfg.Scan.InferenceSize, test.ShouldEqual, 0)
	test.That(t, cfg.Live.Confidence, test.ShouldEqual, float32(0.4))
	test.That(t, cfg.Live.InferenceSize, test.ShouldEqual, 960)
	test.That(t, cfg.Live.Width, test.ShouldEqual, 1920)
	test.That(t, cfg.Live.Height, test.ShouldEqual, 1080)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Server.Addr, test.ShouldEqual, "127.0.0.1:8080")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanner.yaml")
	doc := `
server:
  addr: ":9000"
  request_timeout: 2s
model:
  path: /models/tools.onnx
pool:
  size: 3
live:
  confidence: 0.5
  device: /dev/video2
`
	test.That(t, os.WriteFile(path, []byte(doc), 0o644), test.ShouldBeNil)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Server.Addr, test.ShouldEqual, ":9000")
	test.That(t, cfg.Server.RequestTimeout, test.ShouldEqual, 2*time.Second)
	test.That(t, cfg.Server.ReadTimeout, test.ShouldEqual, 60*time.Second)
	test.That(t, cfg.Model.Path, test.ShouldEqual, "/models/tools.onnx")
	test.That(t, cfg.Pool.Size, test.ShouldEqual, 3)
	test.That(t, cfg.Live.Confidence, test.ShouldEqual, float32(0.5))
	test.That(t, cfg.Live.InferenceSize, test.ShouldEqual, 960)
	test.That(t, cfg.Live.Device, test.ShouldEqual, "/dev/video2")
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanner.yaml")
	test.That(t, os.WriteFile(path, []byte("scan:\n  confidence: 1.5\n"), 0o644), test.ShouldBeNil)

	_, err := Load(path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "scan.confidence")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SCANNER_ADDR":           ":7000",
		"SCANNER_MODEL_PATH":     "other.onnx",
		"SCANNER_POOL_SIZE":      "2",
		"SCANNER_REFERENCE_PATH": "ref.yaml",
		"DEBUG":                  "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := NewDefaultConfig()
	test.That(t, cfg.applyEnv(lookup), test.ShouldBeNil)
	test.That(t, cfg.Server.Addr, test.ShouldEqual, ":7000")
	test.That(t, cfg.Model.Path, test.ShouldEqual, "other.onnx")
	test.That(t, cfg.Pool.Size, test.ShouldEqual, 2)
	test.That(t, cfg.Reference.Path, test.ShouldEqual, "ref.yaml")
	test.That(t, cfg.Log.Debug, test.ShouldBeTrue)

	env["SCANNER_POOL_SIZE"] = "many"
	test.That(t, cfg.applyEnv(lookup), test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty model path", func(c *Config) { c.Model.Path = "" }},
		{"zero confidence", func(c *Config) { c.Scan.Confidence = 0 }},
		{"odd inference size", func(c *Config) { c.Live.InferenceSize = 1000 }},
		{"negative pool", func(c *Config) { c.Pool.Size = -1 }},
		{"no acquire timeout", func(c *Config) { c.Pool.AcquireTimeout = 0 }},
		{"bad resolution", func(c *Config) { c.Live.Width = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			test.That(t, cfg.Validate(), test.ShouldNotBeNil)
		})
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	t.Setenv("DEBUG", "")
	for _, key := range []string{"SCANNER_ADDR", "SCANNER_MODEL_PATH", "SCANNER_POOL_SIZE", "SCANNER_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	cfg, err := Load(filepath.Join("..", "scanner.example.yaml"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, NewDefaultConfig())
}
