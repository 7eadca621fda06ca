// Package config loads the service configuration: a YAML profile, an
// optional local override file, then REGISTER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"register/internal/blob"
)

// StorageDriver names a record store engine.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
	StorageMongo    StorageDriver = "mongo"
)

const (
	DefaultProfile   = "prod"
	DefaultDir       = "config"
	DefaultListen    = "0.0.0.0:50051"
	localProfileFile = "local.yaml"
	redacted         = "REDACTED"
)

type Config struct {
	Service Service     `yaml:"service"`
	Storage Storage     `yaml:"storage"`
	Blob    blob.Config `yaml:"blob"`
	Log     Log         `yaml:"log"`
}

// Service holds the listener settings. An empty token list disables
// authentication.
type Service struct {
	Listen string   `yaml:"listen"`
	TLS    bool     `yaml:"tls"`
	Cert   string   `yaml:"cert"`
	Key    string   `yaml:"key"`
	Tokens []string `yaml:"tokens,omitempty"`
}

type Storage struct {
	Driver   StorageDriver `yaml:"driver"`
	SQLite   SQLite        `yaml:"sqlite"`
	Postgres Postgres      `yaml:"postgres"`
	Mongo    Mongo         `yaml:"mongo"`
}

type SQLite struct {
	Path         string        `yaml:"path"`
	Retention    int64         `yaml:"retention"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Postgres struct {
	DSN         string        `yaml:"dsn"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type Mongo struct {
	URI          string        `yaml:"uri"`
	Database     string        `yaml:"database"`
	Collection   string        `yaml:"collection"`
	MaxAwaitTime time.Duration `yaml:"max_await_time"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or variable sets a value.
func Default() Config {
	return Config{
		Service: Service{
			Listen: DefaultListen,
			Cert:   "config/server.crt",
			Key:    "config/server.key",
		},
		Storage: Storage{
			Driver: StorageSQLite,
			SQLite: SQLite{
				Path:         "register.db",
				Retention:    10000,
				PollInterval: 100 * time.Millisecond,
			},
			Postgres: Postgres{IdleTimeout: 5 * time.Second},
			Mongo: Mongo{
				Database:     "encelade",
				Collection:   "register",
				MaxAwaitTime: 5 * time.Second,
			},
		},
		Blob: blob.Config{Driver: blob.DriverNone, FSRoot: "blobdata"},
		Log:  Log{Level: "info", Format: "json"},
	}
}

// Profile resolves the profile name: the explicit value, then
// REGISTER_PROFILE, then "prod".
func Profile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("REGISTER_PROFILE"); env != "" {
		return env
	}
	return DefaultProfile
}

// Load reads <dir>/<profile>.yaml and <dir>/local.yaml over the defaults,
// both optional, then applies environment overrides.
func Load(dir, profile string) (Config, error) {
	if dir == "" {
		dir = DefaultDir
	}
	cfg := Default()
	for _, name := range []string{Profile(profile) + ".yaml", localProfileFile} {
		if err := mergeFile(&cfg, filepath.Join(dir, name)); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := os.LookupEnv(name)
		if !ok {
			return nil
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = parsed
		return nil
	}

	str("REGISTER_LISTEN", &cfg.Service.Listen)
	if err := boolean("REGISTER_TLS", &cfg.Service.TLS); err != nil {
		return err
	}
	str("REGISTER_TLS_CERT", &cfg.Service.Cert)
	str("REGISTER_TLS_KEY", &cfg.Service.Key)
	if v, ok := os.LookupEnv("REGISTER_TOKENS"); ok {
		cfg.Service.Tokens = splitList(v)
	}

	if v, ok := os.LookupEnv("REGISTER_STORAGE_DRIVER"); ok {
		cfg.Storage.Driver = StorageDriver(v)
	}
	str("REGISTER_SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("REGISTER_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	str("MONGODB_URI", &cfg.Storage.Mongo.URI)
	str("REGISTER_MONGO_DATABASE", &cfg.Storage.Mongo.Database)
	str("REGISTER_MONGO_COLLECTION", &cfg.Storage.Mongo.Collection)

	if v, ok := os.LookupEnv("REGISTER_BLOB_DRIVER"); ok {
		cfg.Blob.Driver = blob.Driver(v)
	}
	str("REGISTER_BLOB_FS_ROOT", &cfg.Blob.FSRoot)
	str("REGISTER_BLOB_S3_BUCKET", &cfg.Blob.S3.Bucket)
	str("REGISTER_BLOB_S3_REGION", &cfg.Blob.S3.Region)
	str("REGISTER_BLOB_S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	if err := boolean("REGISTER_BLOB_S3_PATH_STYLE", &cfg.Blob.S3.PathStyle); err != nil {
		return err
	}

	str("REGISTER_LOG_LEVEL", &cfg.Log.Level)
	str("REGISTER_LOG_FORMAT", &cfg.Log.Format)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports every setting the selected drivers cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Service.Listen == "" {
		errs = append(errs, errors.New("service.listen is required"))
	}
	if c.Service.TLS && (c.Service.Cert == "" || c.Service.Key == "") {
		errs = append(errs, errors.New("service.tls requires cert and key"))
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required (REGISTER_POSTGRES_DSN)"))
		}
	case StorageMongo:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, errors.New("storage.mongo.uri is required (MONGODB_URI)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case blob.DriverNone, blob.DriverMemory, blob.DriverFilesystem:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required (REGISTER_BLOB_S3_BUCKET)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print: tokens, secrets and URL passwords
// are masked.
func (c Config) Redacted() Config {
	out := c
	if len(c.Service.Tokens) > 0 {
		out.Service.Tokens = make([]string, len(c.Service.Tokens))
		for i := range out.Service.Tokens {
			out.Service.Tokens[i] = redacted
		}
	}
	if out.Blob.S3.SecretAccessKey != "" {
		out.Blob.S3.SecretAccessKey = redacted
	}
	out.Storage.Postgres.DSN = redactURL(c.Storage.Postgres.DSN)
	out.Storage.Mongo.URI = redactURL(c.Storage.Mongo.URI)
	return out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// YAML renders c the way Load reads it.
func (c Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
