package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/popel1988/hllstatsuploader/logger"
)

// ServerConfig identifies one logical game server in the source database.
type ServerConfig struct {
	ID      int
	Name    string
	Enabled bool
}

type Config struct {
	// Source database
	Host     string
	Port     int
	Database string
	Username string
	Password string

	// External sink
	SinkURL          string
	SinkAPIKey       string
	ExternalServerID string

	// Server set
	EnabledServers []int
	ServerNames    map[int]string

	// Sync behavior
	SyncInterval      time.Duration
	BatchSize         int
	MaxBatchesPerTick int
	RequestTimeout    time.Duration
	QueryTimeout      time.Duration
	MaxRetries        int
	RetryDelay        time.Duration

	StateDir    string
	SyncEnabled bool
	LogLevel    string
}

type Option func(*Config)

func NewConfig(opts ...Option) *Config {
	c := &Config{SyncEnabled: true}
	for _, opt := range opts {
		opt(c)
	}
	c.SetDefault()
	return c
}

func WithHost(host string) Option {
	return func(c *Config) { c.Host = host }
}

func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

func WithDatabase(database string) Option {
	return func(c *Config) { c.Database = database }
}

func WithUsername(username string) Option {
	return func(c *Config) { c.Username = username }
}

func WithPassword(password string) Option {
	return func(c *Config) { c.Password = password }
}

func WithSink(url, apiKey string) Option {
	return func(c *Config) {
		c.SinkURL = url
		c.SinkAPIKey = apiKey
	}
}

func WithExternalServerID(id string) Option {
	return func(c *Config) { c.ExternalServerID = id }
}

func WithEnabledServers(ids ...int) Option {
	return func(c *Config) { c.EnabledServers = ids }
}

func WithServerNames(names map[int]string) Option {
	return func(c *Config) { c.ServerNames = names }
}

func WithSyncInterval(interval time.Duration) Option {
	return func(c *Config) { c.SyncInterval = interval }
}

func WithBatchSize(size int) Option {
	return func(c *Config) { c.BatchSize = size }
}

func WithMaxBatchesPerTick(n int) Option {
	return func(c *Config) { c.MaxBatchesPerTick = n }
}

func WithStateDir(dir string) Option {
	return func(c *Config) { c.StateDir = dir }
}

func WithSyncEnabled(enabled bool) Option {
	return func(c *Config) { c.SyncEnabled = enabled }
}

func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

func WithTimeouts(request, query time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = request
		c.QueryTimeout = query
	}
}

func (c *Config) SetDefault() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.Database == "" {
		c.Database = "rcon"
	}
	if c.Username == "" {
		c.Username = "rcon"
	}
	if c.ExternalServerID == "" {
		c.ExternalServerID = "crcon_server_001"
	}
	if len(c.EnabledServers) == 0 {
		c.EnabledServers = []int{1}
	}
	if c.ServerNames == nil {
		c.ServerNames = map[int]string{}
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.MaxBatchesPerTick == 0 {
		c.MaxBatchesPerTick = 50
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.StateDir == "" {
		c.StateDir = "/data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// DSN builds the source connection string. Credentials go through userinfo
// escaping; query escaping would turn a space into a literal '+'.
func (c *Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// Servers returns the configured server set ordered by id. A server that only
// appears in ServerNames is returned with Enabled=false so callers can report
// it without ever syncing it.
func (c *Config) Servers() []ServerConfig {
	enabled := make(map[int]bool, len(c.EnabledServers))
	for _, id := range c.EnabledServers {
		enabled[id] = true
	}

	ids := make(map[int]struct{}, len(c.EnabledServers)+len(c.ServerNames))
	for _, id := range c.EnabledServers {
		ids[id] = struct{}{}
	}
	for id := range c.ServerNames {
		ids[id] = struct{}{}
	}

	servers := make([]ServerConfig, 0, len(ids))
	for id := range ids {
		name, ok := c.ServerNames[id]
		if !ok {
			name = fmt.Sprintf("Server-%d", id)
		}
		servers = append(servers, ServerConfig{ID: id, Name: name, Enabled: enabled[id]})
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers
}

func (c *Config) Validate() error {
	var err error
	if isEmpty(c.Host) {
		err = errors.Join(err, errors.New("db host cannot be empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		err = errors.Join(err, fmt.Errorf("db port %d out of range", c.Port))
	}
	if isEmpty(c.Database) {
		err = errors.Join(err, errors.New("db name cannot be empty"))
	}
	if isEmpty(c.Username) {
		err = errors.Join(err, errors.New("db user cannot be empty"))
	}
	if isEmpty(c.Password) {
		err = errors.Join(err, errors.New("db password cannot be empty"))
	}

	if isEmpty(c.SinkURL) {
		err = errors.Join(err, errors.New("sink url cannot be empty"))
	} else if u, uErr := url.Parse(c.SinkURL); uErr != nil || (u.Scheme != "http" && u.Scheme != "https") {
		err = errors.Join(err, fmt.Errorf("sink url %q must be a valid http(s) url", c.SinkURL))
	}

	if len(c.EnabledServers) == 0 {
		err = errors.Join(err, errors.New("at least one enabled server is required"))
	}
	for _, id := range c.EnabledServers {
		if id <= 0 {
			err = errors.Join(err, fmt.Errorf("server id %d must be positive", id))
		}
	}

	if c.BatchSize <= 0 {
		err = errors.Join(err, errors.New("batch size must be greater than 0"))
	}
	if c.MaxBatchesPerTick <= 0 {
		err = errors.Join(err, errors.New("max batches per tick must be greater than 0"))
	}
	if c.SyncInterval <= 0 {
		err = errors.Join(err, errors.New("sync interval must be greater than 0"))
	}
	if c.MaxRetries <= 0 {
		err = errors.Join(err, errors.New("max retries must be greater than 0"))
	}
	if isEmpty(c.StateDir) {
		err = errors.Join(err, errors.New("state dir cannot be empty"))
	}

	return err
}

// Print logs the effective configuration with the credentials masked.
func (c *Config) Print() {
	logger.Info("configuration loaded",
		"db", fmt.Sprintf("%s@%s:%d/%s", c.Username, c.Host, c.Port, c.Database),
		"sink", c.SinkURL,
		"servers", c.EnabledServers,
		"interval", c.SyncInterval.String(),
		"batchSize", c.BatchSize)
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
