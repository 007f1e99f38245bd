// Package app wires the session-recording blob ingester's dependencies
// together into a runnable process: config loading, Redis/Kafka/object
// storage clients, the HTTP server exposing /ready and /metrics, and
// graceful shutdown, the way cmd/tempo/app assembles Tempo's modules.
package app

import (
	"flag"
	"time"

	"github.com/grafana/dskit/server"

	"github.com/posthog/replay-ingester/modules/ingester"
)

// RedisConfig configures the shared store backing the high-water marker,
// partition locker, realtime cache, and team token table.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c *RedisConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Address, prefix+".address", "localhost:6379", "Address of the shared Redis-compatible store.")
	f.StringVar(&c.Password, prefix+".password", "", "Password for the shared store, if any.")
	f.IntVar(&c.DB, prefix+".db", 0, "Redis logical database number.")
}

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "s3" or "local"

	S3    S3Config    `yaml:"s3"`
	Local LocalConfig `yaml:"local"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type LocalConfig struct {
	Root string `yaml:"root"`
}

func (c *StorageConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Backend, prefix+".backend", "s3", "Object storage backend: s3 or local.")
	f.StringVar(&c.S3.Endpoint, prefix+".s3.endpoint", "localhost:9000", "S3-compatible endpoint.")
	f.StringVar(&c.S3.Bucket, prefix+".s3.bucket", "posthog", "Bucket to write finalized session buffers to.")
	f.StringVar(&c.S3.AccessKey, prefix+".s3.access-key", "", "S3 access key.")
	f.StringVar(&c.S3.SecretKey, prefix+".s3.secret-key", "", "S3 secret key.")
	f.BoolVar(&c.S3.UseSSL, prefix+".s3.use-ssl", false, "Use TLS when talking to the S3 endpoint.")
	f.StringVar(&c.Local.Root, prefix+".local.root", "/tmp/session-recordings-store", "Root directory for the local-disk storage backend.")
}

// Config is the root config for the ingester process.
type Config struct {
	Target string `yaml:"target,omitempty"`

	LogLevel      string        `yaml:"log_level"`
	ShutdownDelay time.Duration `yaml:"shutdown_delay,omitempty"`

	Server   server.Config   `yaml:"server,omitempty"`
	Redis    RedisConfig     `yaml:"redis,omitempty"`
	Storage  StorageConfig   `yaml:"storage,omitempty"`
	Ingester ingester.Config `yaml:"ingester,omitempty"`
}

// NewDefaultConfig builds a Config with every flag's default value applied,
// used by tests and by loadConfig before YAML/flag overrides are parsed.
func NewDefaultConfig() *Config {
	c := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	c.RegisterFlagsAndApplyDefaults("", fs)
	return c
}

// RegisterFlagsAndApplyDefaults registers every flag under prefix.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = "ingester"
	f.StringVar(&c.Target, prefix+"target", "ingester", "Target module to run (only \"ingester\" exists today).")
	f.StringVar(&c.LogLevel, prefix+"log.level", "info", "One of debug, info, warn, error.")
	f.DurationVar(&c.ShutdownDelay, prefix+"shutdown-delay", 0, "How long to wait between SIGTERM and shutdown, reporting not-ready via /ready in the meantime.")

	c.Server.HTTPListenPort = 8080
	c.Server.GRPCListenPort = 0
	f.IntVar(&c.Server.HTTPListenPort, prefix+"server.http-listen-port", 8080, "HTTP server listen port, serving /ready and /metrics.")

	c.Redis.RegisterFlagsAndApplyDefaults("redis", f)
	c.Storage.RegisterFlagsAndApplyDefaults("storage", f)
	c.Ingester.RegisterFlagsAndApplyDefaults("ingester", f)
}
