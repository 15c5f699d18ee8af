package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store backends selectable with PULSE_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// Store selects the message store; empty picks postgres or mongo when a URL is set.
	Store        string
	StoreTimeout time.Duration

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	DBMigrate   bool

	MongoURL string
	MongoDB  string

	// DevUsers seeds the in-memory user directory. Empty accepts any identity.
	DevUsers []string

	AMQPURL      string
	AMQPExchange string

	// AttachmentsDir enables image uploads when set.
	AttachmentsDir      string
	AttachmentsMaxBytes int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, startup fails unless an access-token key is configured.
	RequireAuth bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PULSE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PULSE_LOG_LEVEL", "info"),
		LogFormat: EnvString("PULSE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PULSE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PULSE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PULSE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PULSE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("PULSE_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("PULSE_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store:        strings.ToLower(EnvString("PULSE_STORE", "")),
		StoreTimeout: EnvDuration("PULSE_STORE_TIMEOUT", 5*time.Second),

		DatabaseURL: EnvString("PULSE_DATABASE_URL", ""),
		DBSchema:    EnvString("PULSE_DB_SCHEMA", "pulse"),
		DBMaxConns:  EnvInt32("PULSE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PULSE_DB_MIN_CONNS", 0),
		DBMigrate:   EnvBool("PULSE_DB_MIGRATE", false),

		MongoURL: EnvString("PULSE_MONGO_URL", ""),
		MongoDB:  EnvString("PULSE_MONGO_DB", "pulse"),

		DevUsers: EnvCSV("PULSE_DEV_USERS", nil),

		AMQPURL:      EnvString("PULSE_AMQP_URL", ""),
		AMQPExchange: EnvString("PULSE_AMQP_EXCHANGE", "pulse.events"),

		AttachmentsDir:      EnvString("PULSE_ATTACHMENTS_DIR", ""),
		AttachmentsMaxBytes: EnvInt("PULSE_ATTACHMENTS_MAX_BYTES", 10<<20),

		CORSAllowedOrigins:   EnvCSV("PULSE_CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
		CORSAllowCredentials: EnvBool("PULSE_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("PULSE_CORS_MAX_AGE_SECONDS", 600),

		RequireAuth: EnvBool("PULSE_REQUIRE_AUTH", false),
	}
}

// StoreKind resolves the effective store backend.
func (c Config) StoreKind() string {
	if c.Store != "" {
		return c.Store
	}
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.MongoURL != "":
		return StoreMongo
	default:
		return StoreMemory
	}
}

// Validate rejects combinations that cannot start.
func (c Config) Validate() error {
	switch c.StoreKind() {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: PULSE_STORE=postgres requires PULSE_DATABASE_URL")
		}
		if !isValidSchema(c.DBSchema) {
			return fmt.Errorf("config: invalid PULSE_DB_SCHEMA %q", c.DBSchema)
		}
	case StoreMongo:
		if c.MongoURL == "" {
			return errors.New("config: PULSE_STORE=mongo requires PULSE_MONGO_URL")
		}
	default:
		return fmt.Errorf("config: unknown PULSE_STORE %q (want memory, postgres or mongo)", c.Store)
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return errors.New("config: PULSE_DB_MIN_CONNS exceeds PULSE_DB_MAX_CONNS")
	}
	return nil
}

func isValidSchema(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
