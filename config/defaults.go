// =============================================================================
// 📦 crewtrace 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Tracing:   DefaultTracingConfig(),
		Timing:    DefaultTimingConfig(),
		StepLog:   DefaultStepLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "crewtrace",
		Password:        "",
		Name:            "crewtrace",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "crewtrace",
		SampleRate:   1.0,
	}
}

// DefaultTracingConfig 返回默认外部追踪配置
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:         false,
		TracerName:      "crewtrace/conversations",
		FlushTimeout:    5 * time.Second,
		TokenModel:      "gpt-4o",
		RootIdleTimeout: 30 * time.Minute,
		MaxOpenRoots:    10000,
	}
}

// DefaultTimingConfig 返回默认计时配置
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		AsyncPersist:     false,
		PersistWorkers:   4,
		PersistQueueSize: 1024,
		PersistTimeout:   5 * time.Second,
		SnippetLimit:     500,
		SummaryCacheTTL:  0,
	}
}

// DefaultStepLogConfig 返回默认执行日志配置
func DefaultStepLogConfig() StepLogConfig {
	return StepLogConfig{
		Sequencer:       "memory",
		SequenceTTL:     24 * time.Hour,
		DefaultLimit:    1000,
		MetadataSnippet: 200,
	}
}
