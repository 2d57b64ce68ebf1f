package agent

import (
	"net"
	"strconv"
	"time"

	"github.com/JaneliaSciComp/jacs-storage/internal/auth"
	"github.com/JaneliaSciComp/jacs-storage/internal/bundle"
	"github.com/JaneliaSciComp/jacs-storage/internal/config"
	"github.com/JaneliaSciComp/jacs-storage/internal/transfer"
)

// DefaultChunkSize is the size of the per-connection socket buffer and the
// largest chunk handed to a pipe.
const DefaultChunkSize = 64 * 1024

// Config represents the configuration for a storage agent.
type Config struct {
	// BindAddress is the interface the listener binds to.
	BindAddress string
	// Port is the TCP port the listener binds to.
	Port int
	// Workers bounds the number of concurrent bundle transfers.
	Workers int
	// PipeChunks is the number of chunks buffered between a connection and
	// its background transfer.
	PipeChunks int
	// ChunkSize is the socket read buffer size.
	ChunkSize int
	// RootDir is where relative locations resolve. Empty means locations
	// must be absolute.
	RootDir string
	// AuthSecret is the HS256 key used to validate bearer tokens.
	AuthSecret string
	// StaticTokens maps service tokens to subjects.
	StaticTokens map[string]string
	// LedgerPath is the sqlite database holding allocations and events.
	LedgerPath string
	// ShutdownTimeout bounds how long in-flight connections may finish
	// after the listener stops.
	ShutdownTimeout time.Duration
	// S3 enables s3:// locations when set.
	S3 *bundle.S3Config
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:     "0.0.0.0",
		Port:            10000,
		Workers:         transfer.DefaultPoolSize,
		PipeChunks:      16,
		ChunkSize:       DefaultChunkSize,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Addr returns the host:port the listener binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// ApplyFile overrides c with every value set in f.
func (c *Config) ApplyFile(f *config.File) {
	if f == nil {
		return
	}
	if f.BindAddress != "" {
		c.BindAddress = f.BindAddress
	}
	if f.Port != 0 {
		c.Port = f.Port
	}
	if f.Workers != 0 {
		c.Workers = f.Workers
	}
	if f.PipeChunks != 0 {
		c.PipeChunks = f.PipeChunks
	}
	if f.ChunkSize != 0 {
		c.ChunkSize = f.ChunkSize
	}
	if f.RootDir != "" {
		c.RootDir = f.RootDir
	}
	if f.LedgerPath != "" {
		c.LedgerPath = f.LedgerPath
	}
	if f.ShutdownTimeout.Duration != 0 {
		c.ShutdownTimeout = f.ShutdownTimeout.Duration
	}
	if f.Auth.Secret != "" {
		c.AuthSecret = f.Auth.Secret
	}
	if len(f.Auth.StaticTokens) > 0 {
		c.StaticTokens = f.Auth.StaticTokens
	}
	if f.S3 != nil {
		c.S3 = f.S3
	}
}

// Validator builds the token validator described by c. With neither a
// secret nor static tokens every token is rejected.
func (c Config) Validator() auth.Validator {
	var chain auth.Chain
	if c.AuthSecret != "" {
		chain = append(chain, auth.NewJWTValidator([]byte(c.AuthSecret)))
	}
	if len(c.StaticTokens) > 0 {
		chain = append(chain, auth.StaticValidator(c.StaticTokens))
	}
	return chain
}
