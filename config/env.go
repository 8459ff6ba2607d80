package config

import (
	"strconv"
	"strings"

	"github.com/cumulus13/ddf/logger"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on cfg. Values that do not parse are
// logged and skipped so the lower precedence value stays in effect.
func ApplyEnv(cfg *Config, lookup LookupFunc, log logger.Logger) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				log.Warn("ignoring %s=%q: not a number", key, v)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := ParseBool(v)
			if err != nil {
				log.Warn("ignoring %s=%q: not a boolean", key, v)
				return
			}
			*dst = b
		}
	}

	str("REDIS_HOST", &cfg.Cache.RedisHost)
	num("REDIS_PORT", &cfg.Cache.RedisPort)
	str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	num("REDIS_DB", &cfg.Cache.RedisDB)
	if v, ok := lookup("MEMCACHED_SERVERS"); ok && v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		cfg.Cache.MemcachedServers = servers
	}
	str("DDF_CACHE_BACKEND", &cfg.Cache.Backend)
	flag("DDF_CACHE_ENABLED", &cfg.Cache.Enabled)
	if v, ok := lookup("DDF_CACHE_TTL"); ok && v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			log.Warn("ignoring DDF_CACHE_TTL=%q: %s", v, err)
		} else {
			cfg.Cache.TTL = Duration(d)
		}
	}
	str("DDF_CACHE_DIR", &cfg.Cache.LocalDir)
	str("DDF_CACHE_MAX_SIZE", &cfg.Cache.LocalMaxSize)
	str("DDF_SQLITE_PATH", &cfg.Cache.SQLitePath)
	str("DDF_COMPOSE_FILE", &cfg.Manifest.File)
	str("DDF_SERVER_HOST", &cfg.Server.Host)
	num("DDF_SERVER_PORT", &cfg.Server.Port)
	flag("DDF_SERVER_ACTIVE", &cfg.Server.Active)
	str("DDF_LOCK_FILE", &cfg.Server.LockFile)
	flag("DDF_BACKUP_ENABLED", &cfg.Backup.Enabled)
	str("DDF_BACKUP_DIR", &cfg.Backup.Directory)
	num("DDF_BACKUP_KEEP", &cfg.Backup.Keep)
	str(logger.EnvLevel, &cfg.Log.Level)
}

// ParseBool accepts the usual spellings found in config files: 1/0, true/false,
// yes/no, on/off.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}
