package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects process identity, limits, upstream, resources and
// feature flags, then emits one structured event describing how the process
// was configured. Secrets are never registered, only where they came from.
type StartupLogger struct {
	name         string
	version      string
	initDuration time.Duration

	upstream  map[string]string
	limits    map[string]string
	resources map[string]string
	features  map[string]bool
	config    map[string]string
}

// NewStartupLogger creates a StartupLogger for the named entry point
// (e.g. "examiner serve", "examiner-lambda").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:      name,
		upstream:  make(map[string]string),
		limits:    make(map[string]string),
		resources: make(map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

// Version sets the build version baked into the binary.
func (s *StartupLogger) Version(v string) *StartupLogger {
	s.version = v
	return s
}

// Upstream registers an evaluator setting (base URL, paths, budget).
func (s *StartupLogger) Upstream(key, value string) *StartupLogger {
	s.upstream[key] = value
	return s
}

// Limit registers an intake limit in display form.
func (s *StartupLogger) Limit(key, value string) *StartupLogger {
	s.limits[key] = value
	return s
}

// Resource registers an external resource such as an S3 bucket or an SSM
// parameter path. Only names and paths are logged, never values.
func (s *StartupLogger) Resource(label, name string) *StartupLogger {
	s.resources[label] = name
	return s
}

// Feature registers a boolean feature flag (e.g. "mail", "uploads").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long startup took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// EnvOrDefault returns the named environment variable, or defaultVal when it
// is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits the startup event at info level.
func (s *StartupLogger) Log() {
	evt := log.Info()

	identity := zerolog.Dict().
		Str("name", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", zerolog.GlobalLevel().String())
	if s.version != "" {
		identity = identity.Str("version", s.version)
	}
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		identity = identity.
			Str("functionName", fn).
			Str("region", os.Getenv("AWS_REGION")).
			Str("memoryMB", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"))
	}
	evt = evt.Dict("process", identity)

	for _, group := range []struct {
		key string
		m   map[string]string
	}{
		{"upstream", s.upstream},
		{"limits", s.limits},
		{"resources", s.resources},
		{"config", s.config},
	} {
		if len(group.m) > 0 {
			evt = evt.Dict(group.key, dictFromMap(group.m))
		}
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}

	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Examiner startup complete")
}

func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
