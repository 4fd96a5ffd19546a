package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tutortoise/equipment-scanner/pipeline"
)

const DefaultConfigPath = "scanner.yaml"

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	StaticDir      string        `yaml:"static_dir"`
}

type ModelConfig struct {
	Path           string `yaml:"path"`
	RuntimeLibrary string `yaml:"runtime_library"`
	LabelsPath     string `yaml:"labels_path"`
}

type PoolConfig struct {
	Size           int           `yaml:"size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// ScanConfig holds the fixed detector parameters of one deployment shape.
type ScanConfig struct {
	Confidence    float32 `yaml:"confidence"`
	InferenceSize int     `yaml:"inference_size"`
}

func scanDefaults(o pipeline.DetectOptions) ScanConfig {
	return ScanConfig{Confidence: o.Confidence, InferenceSize: o.InferenceSize}
}

// Options converts the section into the detector parameters of a pipeline.
func (s ScanConfig) Options() pipeline.DetectOptions {
	return pipeline.DetectOptions{Confidence: s.Confidence, InferenceSize: s.InferenceSize}
}

type LiveConfig struct {
	ScanConfig `yaml:",inline"`
	Device     string `yaml:"device"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        uint   `yaml:"fps"`
	Output     string `yaml:"output"`
}

type ReferenceConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Pool      PoolConfig      `yaml:"pool"`
	Scan      ScanConfig      `yaml:"scan"`
	Live      LiveConfig      `yaml:"live"`
	Reference ReferenceConfig `yaml:"reference"`
	Log       LogConfig       `yaml:"log"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   60 * time.Second,
			RequestTimeout: 30 * time.Second,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:8000"},
			StaticDir:      "static",
		},
		Model: ModelConfig{
			Path: "model/best.onnx",
		},
		Pool: PoolConfig{
			AcquireTimeout: 5 * time.Second,
		},
		Scan: scanDefaults(pipeline.ServiceOptions),
		Live: LiveConfig{
			ScanConfig: scanDefaults(pipeline.InteractiveOptions),
			Device:     "/dev/video0",
			Width:      1920,
			Height:     1080,
			FPS:        15,
			Output:     "live.jpg",
		},
		Reference: ReferenceConfig{Path: "equipment.json"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load starts from the defaults, applies the YAML file at path if it exists,
// then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SCANNER_ADDR", &c.Server.Addr)
	str("SCANNER_STATIC_DIR", &c.Server.StaticDir)
	str("SCANNER_MODEL_PATH", &c.Model.Path)
	str("SCANNER_ORT_LIBRARY", &c.Model.RuntimeLibrary)
	str("SCANNER_LABELS_PATH", &c.Model.LabelsPath)
	str("SCANNER_REFERENCE_PATH", &c.Reference.Path)
	str("SCANNER_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("SCANNER_POOL_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCANNER_POOL_SIZE: %w", err)
		}
		c.Pool.Size = n
	}
	if v, ok := lookup("DEBUG"); ok {
		c.Log.Debug = strings.EqualFold(v, "true")
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	for _, sc := range []struct {
		name string
		s    ScanConfig
	}{{"scan", c.Scan}, {"live", c.Live.ScanConfig}} {
		name, s := sc.name, sc.s
		if s.Confidence <= 0 || s.Confidence > 1 {
			errs = append(errs, fmt.Errorf("%s.confidence must be in (0,1], got %v", name, s.Confidence))
		}
		if s.InferenceSize < 0 || s.InferenceSize%32 != 0 {
			errs = append(errs, fmt.Errorf("%s.inference_size must be a non-negative multiple of 32, got %d", name, s.InferenceSize))
		}
	}
	if c.Pool.Size < 0 {
		errs = append(errs, fmt.Errorf("pool.size must not be negative, got %d", c.Pool.Size))
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("pool.acquire_timeout must be positive"))
	}
	if c.Live.Width <= 0 || c.Live.Height <= 0 {
		errs = append(errs, fmt.Errorf("live resolution must be positive, got %dx%d", c.Live.Width, c.Live.Height))
	}
	return errors.Join(errs...)
}
