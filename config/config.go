// Package config loads the channel options spec.md §4.2 requires the
// Bind Engine to translate into listening-socket server options
// (grpc-node.max_session_memory, grpc.max_concurrent_streams). Values
// can be set programmatically or sourced from the environment /
// an optional config file via viper, the way the ambient configuration
// layer of this corpus's larger services (madcok-co-unicorn, nabbar-golib)
// is built.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

const (
	// KeyMaxSessionMemory is grpc-node.max_session_memory from spec.md §4.2.
	KeyMaxSessionMemory = "grpc-node.max_session_memory"
	// KeyMaxConcurrentStreams is grpc.max_concurrent_streams from spec.md §4.2.
	KeyMaxConcurrentStreams = "grpc.max_concurrent_streams"
	// KeySessionAdmissionQPS bounds new-session admission per second, the
	// ambient backpressure knob spec.md §5 calls out; 0 means unlimited.
	KeySessionAdmissionQPS = "grpccore.session_admission_qps"

	defaultMaxConcurrentStreams = 100
	// 0 means "unset" — the Bind Engine applies no session-memory cap.
	defaultMaxSessionMemory   = 0
	defaultSessionAdmissionQPS = 0

	envPrefix = "GRPCCORE"
)

// ChannelOptions is the map spec.md §4.2 describes: an arbitrary
// option-name-to-value bag the Bind Engine reads two well-known keys
// from, plus whatever else a caller wants to thread through.
type ChannelOptions map[string]any

// Load builds ChannelOptions from defaults, an optional config file, and
// environment variables prefixed GRPCCORE_ (e.g. GRPCCORE_MAX_CONCURRENT_STREAMS).
// configFile may be empty to skip file loading entirely.
func Load(configFile string) (ChannelOptions, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("max_concurrent_streams", defaultMaxConcurrentStreams)
	v.SetDefault("max_session_memory", defaultMaxSessionMemory)
	v.SetDefault("session_admission_qps", defaultSessionAdmissionQPS)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return ChannelOptions{
		KeyMaxConcurrentStreams: v.GetInt("max_concurrent_streams"),
		KeyMaxSessionMemory:     v.GetInt64("max_session_memory"),
		KeySessionAdmissionQPS:  v.GetFloat64("session_admission_qps"),
	}, nil
}

// MaxConcurrentStreams reads KeyMaxConcurrentStreams, defaulting when absent or malformed.
func (c ChannelOptions) MaxConcurrentStreams() int {
	if v, ok := c[KeyMaxConcurrentStreams].(int); ok {
		return v
	}
	return defaultMaxConcurrentStreams
}

// MaxSessionMemory reads KeyMaxSessionMemory, defaulting when absent or malformed.
func (c ChannelOptions) MaxSessionMemory() int64 {
	switch v := c[KeyMaxSessionMemory].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return defaultMaxSessionMemory
	}
}

// SessionAdmissionQPS reads KeySessionAdmissionQPS, defaulting to 0
// (unlimited) when absent or malformed.
func (c ChannelOptions) SessionAdmissionQPS() float64 {
	switch v := c[KeySessionAdmissionQPS].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return defaultSessionAdmissionQPS
	}
}
