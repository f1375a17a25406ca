package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Paths     PathsConfig     `mapstructure:"paths" yaml:"paths"`
	Extractor ExtractorConfig `mapstructure:"extractor" yaml:"extractor"`
	Frontend  FrontendConfig  `mapstructure:"frontend" yaml:"frontend"`
}

type ServerConfig struct {
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             int           `mapstructure:"port" yaml:"port"`
	QueueSize        int           `mapstructure:"queue_size" yaml:"queue_size"`
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout" yaml:"admission_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level             string `mapstructure:"level" yaml:"level"`
	Format            string `mapstructure:"format" yaml:"format"`
	LogPath           string `mapstructure:"log_path" yaml:"log_path"`
	EnableFileLogging bool   `mapstructure:"enable_file_logging" yaml:"enable_file_logging"`
}

type PathsConfig struct {
	DownloaderPath string `mapstructure:"downloader_path" yaml:"downloader_path"`
	TranscoderPath string `mapstructure:"transcoder_path" yaml:"transcoder_path"`
}

// FrontendConfig points at a built UI to serve from "/". Empty disables it.
type FrontendConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ExtractorConfig holds the constant identity and behaviour flags handed
// to every yt-dlp invocation.
type ExtractorConfig struct {
	UserAgent           string        `mapstructure:"user_agent" yaml:"user_agent"`
	Referer             string        `mapstructure:"referer" yaml:"referer"`
	NoCheckCertificates bool          `mapstructure:"no_check_certificates" yaml:"no_check_certificates"`
	MetadataTimeout     time.Duration `mapstructure:"metadata_timeout" yaml:"metadata_timeout"`
	DownloadTimeout     time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
}

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultReferer = "https://www.youtube.com/"
)

// Defaults returns the key/value pairs registered with viper before the
// config file and the environment are read.
func Defaults() map[string]any {
	return map[string]any{
		"server.host":                     "0.0.0.0",
		"server.port":                     3001,
		"server.queue_size":               4,
		"server.admission_timeout":        30 * time.Second,
		"server.shutdown_timeout":         10 * time.Second,
		"logging.level":                   "info",
		"logging.format":                  "text",
		"logging.log_path":                "yt-relay.log",
		"logging.enable_file_logging":     false,
		"paths.downloader_path":           "yt-dlp",
		"paths.transcoder_path":           "ffmpeg",
		"extractor.user_agent":            DefaultUserAgent,
		"extractor.referer":               DefaultReferer,
		"extractor.no_check_certificates": true,
		"extractor.metadata_timeout":      60 * time.Second,
		"extractor.download_timeout":      time.Duration(0),
		"frontend.path":                   "",
	}
}

// Default is the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             3001,
			QueueSize:        4,
			AdmissionTimeout: 30 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			LogPath: "yt-relay.log",
		},
		Paths: PathsConfig{
			DownloaderPath: "yt-dlp",
			TranscoderPath: "ffmpeg",
		},
		Extractor: ExtractorConfig{
			UserAgent:           DefaultUserAgent,
			Referer:             DefaultReferer,
			NoCheckCertificates: true,
			MetadataTimeout:     60 * time.Second,
		},
	}
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
