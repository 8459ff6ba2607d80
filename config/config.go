// Package config resolves ddf settings from the environment, an optional YAML
// file and built-in defaults, in that order of precedence. A Config is a plain
// value; once loaded it is never mutated.
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/sys"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	DefaultBackend          = "redis"
	DefaultTTL              = time.Hour
	DefaultRedisHost        = "localhost"
	DefaultRedisPort        = 6379
	DefaultMemcachedServer  = "localhost:11211"
	DefaultServerHost       = "127.0.0.1"
	DefaultServerPort       = 9876
	DefaultMaxConcurrent    = 4
	DefaultBackupKeep       = 20
	DefaultLockFileName     = ".ddf_server.lock"
	DefaultConfigFileName   = "ddf.yaml"
	EnvConfigFile           = "DDF_CONFIG"
	defaultCacheDirBaseName = "docker_cache"
)

// Duration accepts "90s", "1d", "1w" style strings or a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return str2duration.String(time.Duration(d)), nil
}

// ParseDuration parses a TTL value. Bare integers are seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, errors.Newf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	if d < 0 {
		return 0, errors.Newf("negative duration %q", s)
	}
	return d, nil
}

type Manifest struct {
	// File is the compose file to operate on. Empty means discover it in the
	// working directory.
	File string `yaml:"file"`
}

type Cache struct {
	Backend          string   `yaml:"backend"`
	Enabled          bool     `yaml:"enabled"`
	TTL              Duration `yaml:"ttl"`
	RedisHost        string   `yaml:"redis_host"`
	RedisPort        int      `yaml:"redis_port"`
	RedisPassword    string   `yaml:"redis_password"`
	RedisDB          int      `yaml:"redis_db"`
	MemcachedServers []string `yaml:"memcached_servers"`
	LocalDir         string   `yaml:"local_dir"`
	LocalMaxSize     string   `yaml:"local_max_size"`
	SQLitePath       string   `yaml:"sqlite_path"`
}

// RedisAddr returns host:port for the redis client.
func (c Cache) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// LocalMaxBytes parses LocalMaxSize ("64Mi", "500M", "1Gi"). Zero means unbounded.
func (c Cache) LocalMaxBytes() (int64, error) {
	if strings.TrimSpace(c.LocalMaxSize) == "" {
		return 0, nil
	}
	q, err := resource.ParseQuantity(c.LocalMaxSize)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid local_max_size %q", c.LocalMaxSize)
	}
	if q.Sign() < 0 {
		return 0, errors.Newf("negative local_max_size %q", c.LocalMaxSize)
	}
	return q.Value(), nil
}

// String describes the cache settings with the redis password masked.
func (c Cache) String() string {
	return "backend=" + c.Backend +
		" enabled=" + strconv.FormatBool(c.Enabled) +
		" ttl=" + c.TTL.Std().String() +
		" redis=" + c.RedisAddr() + "/" + strconv.Itoa(c.RedisDB) +
		" password=" + Mask(c.RedisPassword) +
		" memcached=" + strings.Join(c.MemcachedServers, ",") +
		" local_dir=" + c.LocalDir
}

type Server struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Active        bool   `yaml:"active"`
	LockFile      string `yaml:"lock_file"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// Addr returns host:port the daemon listens on.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Backup controls the copies of the manifest taken before each edit.
type Backup struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	// Keep is how many copies per manifest survive; 0 keeps all of them.
	Keep      int    `yaml:"keep"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Config struct {
	Manifest Manifest `yaml:"manifest"`
	Cache    Cache    `yaml:"cache"`
	Server   Server   `yaml:"server"`
	Backup   Backup   `yaml:"backup"`
	Log      Log      `yaml:"log"`

	// Source is the file the config was read from, empty when only defaults
	// and the environment were used.
	Source string `yaml:"-"`
}

// DefaultLocalDir is the directory used by the local-file backend.
func DefaultLocalDir() string {
	if runtime.GOOS == "windows" {
		return `C:\TEMP\` + defaultCacheDirBaseName
	}
	return filepath.Join("/tmp", defaultCacheDirBaseName)
}

// DefaultBackupDir is where manifest backups go unless configured.
func DefaultBackupDir() string {
	return filepath.Join(homeDir(), ".cache", "ddf", "backups")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Cache: Cache{
			Backend:          DefaultBackend,
			Enabled:          true,
			TTL:              Duration(DefaultTTL),
			RedisHost:        DefaultRedisHost,
			RedisPort:        DefaultRedisPort,
			MemcachedServers: []string{DefaultMemcachedServer},
			LocalDir:         DefaultLocalDir(),
			SQLitePath:       filepath.Join(homeDir(), ".cache", "ddf", "cache.db"),
		},
		Server: Server{
			Host:          DefaultServerHost,
			Port:          DefaultServerPort,
			LockFile:      filepath.Join(homeDir(), DefaultLockFileName),
			MaxConcurrent: DefaultMaxConcurrent,
		},
		Backup: Backup{
			Enabled:   true,
			Directory: DefaultBackupDir(),
			Keep:      DefaultBackupKeep,
		},
		Log: Log{Level: "warn"},
	}
}

// DefaultPath returns the config file location: $DDF_CONFIG, else
// <user config dir>/ddf/ddf.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigFile); p != "" {
		return ExpandHome(p)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ddf", DefaultConfigFileName)
}

// LoadFile overlays the YAML file at path on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Default(), errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.Source = path
	cfg.normalize()
	return cfg, nil
}

// Load resolves the effective configuration. A missing or broken config file is
// not fatal: it is logged and the defaults are used underneath the environment.
func Load(log logger.Logger) Config {
	cfg := Default()
	if path := DefaultPath(); path != "" {
		if sys.Exists(path) {
			fromFile, err := LoadFile(path)
			if err != nil {
				log.Warn("ignoring config file: %s", err)
			} else {
				cfg = fromFile
			}
		}
	}
	ApplyEnv(&cfg, os.LookupEnv, log)
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	c.Manifest.File = ExpandHome(c.Manifest.File)
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = DefaultBackend
	}
	c.Cache.LocalDir = ExpandHome(c.Cache.LocalDir)
	if c.Cache.LocalDir == "" {
		c.Cache.LocalDir = DefaultLocalDir()
	}
	c.Cache.SQLitePath = ExpandHome(c.Cache.SQLitePath)
	if len(c.Cache.MemcachedServers) == 0 {
		c.Cache.MemcachedServers = []string{DefaultMemcachedServer}
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultServerPort
	}
	c.Server.LockFile = ExpandHome(c.Server.LockFile)
	if c.Server.LockFile == "" {
		c.Server.LockFile = filepath.Join(homeDir(), DefaultLockFileName)
	}
	if c.Server.MaxConcurrent <= 0 {
		c.Server.MaxConcurrent = DefaultMaxConcurrent
	}
	c.Backup.Directory = ExpandHome(c.Backup.Directory)
	if c.Backup.Directory == "" {
		c.Backup.Directory = DefaultBackupDir()
	}
	if c.Backup.Keep < 0 {
		c.Backup.Keep = 0
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}

// Mask hides all but the last two characters of a secret.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-2) + s[len(s)-2:]
}
