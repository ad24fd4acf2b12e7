// Package config declares the process configuration. Every field is
// flag-addressable and environment-backed through go-flags struct tags; a
// .env file in the working directory is folded into the environment before
// parsing so local development and deployment share one surface.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/rotation"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Service is the process-level configuration.
type Service struct {
	Type      string `long:"service-type" env:"SERVICE_TYPE" default:"etl" choice:"etl" choice:"api" description:"Deployment role of this process; only etl starts the scheduler"`
	AdminPort int    `long:"admin-port" env:"ADMIN_PORT" default:"8080" description:"Port of the admin HTTP listener"`
	LogLevel  string `long:"log.level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	LogFormat string `long:"log.format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

// ETL configures the indexing pipeline and its scheduler.
type ETL struct {
	Enabled           bool   `long:"enabled" env:"ETL_ENABLED" description:"Run scheduled indexing; disabled processes only serve the admin API"`
	ScheduleInterval  string `long:"schedule-interval" env:"ETL_SCHEDULE_INTERVAL" default:"15m" description:"Cadence of microblog indexing runs"`
	BatchSize         int    `long:"batch-size" env:"ETL_BATCH_SIZE" default:"100" description:"Messages per embedding chunk"`
	MaxHistoricalDays int    `long:"max-historical-days" env:"ETL_MAX_HISTORICAL_DAYS" default:"30" description:"Lookback bound of historical backfill"`
	RequestBudget     int    `long:"request-budget" env:"ETL_REQUEST_BUDGET" default:"10" description:"Source API requests allowed per run"`
	Parallelism       int    `long:"parallelism" env:"ETL_PARALLELISM" default:"1" description:"Accounts indexed concurrently within a run"`
	StateDB           string `long:"state-db" env:"ETL_STATE_DB" default:"etl-state.db" description:"SQLite file holding account rotation state"`
}

// Validate returns an error if the ETL configuration is malformed.
func (c ETL) Validate() error {
	if _, err := time.ParseDuration(c.ScheduleInterval); err != nil {
		return fmt.Errorf("parsing schedule interval: %w", err)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("expected positive batch size")
	}
	if c.MaxHistoricalDays <= 0 {
		return fmt.Errorf("expected positive max historical days")
	}
	if c.RequestBudget <= 0 {
		return fmt.Errorf("expected positive request budget")
	}
	return nil
}

// Interval returns the parsed microblog cadence. Call Validate first.
func (c ETL) Interval() time.Duration {
	var d, _ = time.ParseDuration(c.ScheduleInterval)
	return d
}

// VectorStore configures the qdrant connection.
type VectorStore struct {
	URL        string `long:"url" env:"VECTOR_STORE_URL" default:"http://localhost:6334" description:"Vector store gRPC endpoint"`
	APIKey     string `long:"api-key" env:"VECTOR_STORE_API_KEY" description:"Vector store API key"`
	Collection string `long:"collection" env:"VECTOR_STORE_COLLECTION" default:"kaspa_social" description:"Collection holding indexed messages"`
}

// Validate returns an error if the vector store configuration is malformed.
func (c VectorStore) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("expected collection name")
	}
	var _, _, _, err = c.Endpoint()
	return err
}

// Endpoint splits URL into the host, port and TLS mode the gRPC client wants.
func (c VectorStore) Endpoint() (host string, port int, useTLS bool, err error) {
	var u *url.URL
	if u, err = url.Parse(c.URL); err != nil {
		return "", 0, false, fmt.Errorf("parsing vector store url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", 0, false, fmt.Errorf("vector store url has scheme %q, expected http or https", u.Scheme)
	}
	useTLS = u.Scheme == "https"

	port = 6334
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return "", 0, false, fmt.Errorf("parsing vector store port: %w", err)
		}
	}
	if u.Hostname() == "" {
		return "", 0, false, fmt.Errorf("vector store url has no host")
	}
	return u.Hostname(), port, useTLS, nil
}

// Embedding configures the embedding provider.
type Embedding struct {
	Model      string `long:"model" env:"EMBEDDING_MODEL" default:"text-embedding-3-small" description:"Embedding model id"`
	Dimensions int    `long:"dimensions" env:"EMBEDDING_DIMENSIONS" default:"1536" description:"Vector dimension requested from the model"`
	APIKey     string `long:"openai-api-key" env:"OPENAI_API_KEY" description:"OpenAI API key"`
}

// Validate returns an error if the embedding configuration is malformed.
func (c Embedding) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("expected embedding model")
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("expected positive embedding dimensions")
	}
	return nil
}

// Microblog configures the microblog source adapter.
type Microblog struct {
	Accounts   string `long:"accounts" env:"MICROBLOG_ACCOUNTS" description:"Account handles to index, as a JSON array or comma-separated list"`
	Bearer     string `long:"bearer" env:"MICROBLOG_BEARER" description:"API bearer token"`
	Priorities string `long:"priorities" env:"MICROBLOG_PRIORITIES" description:"Per-handle priorities, as handle=high|normal|low pairs"`
}

// Enabled reports whether this source is configured at all.
func (c Microblog) Enabled() bool { return c.Accounts != "" }

// Validate returns an error if the microblog configuration is malformed.
func (c Microblog) Validate() error {
	if !c.Enabled() {
		return nil
	}
	var accounts, err = parseStringList(c.Accounts)
	if err != nil {
		return fmt.Errorf("parsing accounts: %w", err)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("expected at least one account handle")
	}
	if c.Bearer == "" {
		return fmt.Errorf("expected bearer token for configured microblog accounts")
	}
	_, err = parsePriorities(c.Priorities)
	return err
}

// AccountList returns the configured handles, trimmed and lower-cased. Call
// Validate first.
func (c Microblog) AccountList() []string {
	var list, _ = parseStringList(c.Accounts)
	return list
}

// PriorityMap returns the per-handle priorities. Call Validate first.
func (c Microblog) PriorityMap() map[string]rotation.Priority {
	var m, _ = parsePriorities(c.Priorities)
	return m
}

// ChannelEntry identifies one groupchat channel, by numeric id or username.
type ChannelEntry struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

// UnmarshalJSON accepts either a {id, username} object or a bare name string.
func (e *ChannelEntry) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*e = channelEntry(name)
		return nil
	}
	type entry ChannelEntry
	var raw entry
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = ChannelEntry(raw)
	return nil
}

// Groupchat configures the groupchat source adapter.
type Groupchat struct {
	Channels   string `long:"channels" env:"GROUPCHAT_CHANNELS" description:"Channels to index, as a JSON array of {id, username} objects or a comma-separated list"`
	APIID      int    `long:"api-id" env:"GROUPCHAT_API_ID" description:"Platform application id"`
	APIHash    string `long:"api-hash" env:"GROUPCHAT_API_HASH" description:"Platform application hash"`
	Session    string `long:"session" env:"GROUPCHAT_SESSION" description:"Base64 pre-authorized session blob"`
	Priorities string `long:"priorities" env:"GROUPCHAT_PRIORITIES" description:"Per-channel priorities, as channel=high|normal|low pairs"`
}

// Enabled reports whether this source is configured at all.
func (c Groupchat) Enabled() bool { return c.Channels != "" }

// Validate returns an error if the groupchat configuration is malformed.
func (c Groupchat) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.APIID == 0 || c.APIHash == "" {
		return fmt.Errorf("expected api id and hash for configured groupchat channels")
	}
	if c.Session == "" {
		return fmt.Errorf("expected session blob for configured groupchat channels")
	}
	if _, err := parseChannels(c.Channels); err != nil {
		return fmt.Errorf("parsing channels: %w", err)
	}
	var _, err = parsePriorities(c.Priorities)
	return err
}

// ChannelEntries returns the configured channels. Call Validate first.
func (c Groupchat) ChannelEntries() []ChannelEntry {
	var entries, _ = parseChannels(c.Channels)
	return entries
}

// PriorityMap returns the per-channel priorities. Call Validate first.
func (c Groupchat) PriorityMap() map[string]rotation.Priority {
	var m, _ = parsePriorities(c.Priorities)
	return m
}

// Config is the complete process configuration.
type Config struct {
	Service     Service     `group:"Service" namespace:"service"`
	ETL         ETL         `group:"ETL" namespace:"etl"`
	VectorStore VectorStore `group:"Vector Store" namespace:"vector-store"`
	Embedding   Embedding   `group:"Embedding" namespace:"embedding"`
	Microblog   Microblog   `group:"Microblog" namespace:"microblog"`
	Groupchat   Groupchat   `group:"Groupchat" namespace:"groupchat"`
}

// Validate the configuration as a whole.
func (c Config) Validate() error {
	if err := c.ETL.Validate(); err != nil {
		return fmt.Errorf("etl: %w", err)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := c.Microblog.Validate(); err != nil {
		return fmt.Errorf("microblog: %w", err)
	}
	if err := c.Groupchat.Validate(); err != nil {
		return fmt.Errorf("groupchat: %w", err)
	}
	if c.ETL.Enabled && !c.Microblog.Enabled() && !c.Groupchat.Enabled() {
		return fmt.Errorf("etl is enabled but no source is configured")
	}
	return nil
}

// LoadEnv folds a .env file in the working directory into the environment.
// A missing file is not an error.
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("loading .env file")
	}
}

// InitLog applies the logging configuration to the process logger.
func (c Service) InitLog() error {
	var level, err = log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}

func splitList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseStringList accepts a JSON array of strings or a comma-separated list;
// entries are trimmed, lower-cased, and dropped when empty.
func parseStringList(raw string) ([]string, error) {
	var trimmed = strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "[") {
		return splitList(raw), nil
	}
	var items []string
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, fmt.Errorf("parsing JSON list: %w", err)
	}
	var out []string
	for _, it := range items {
		if it = strings.ToLower(strings.TrimSpace(it)); it != "" {
			out = append(out, it)
		}
	}
	return out, nil
}

// parseChannels accepts a JSON array of channel entries or a comma-separated
// list of names. Usernames are normalized; each entry must carry an id or a
// username.
func parseChannels(raw string) ([]ChannelEntry, error) {
	var entries []ChannelEntry
	if trimmed := strings.TrimSpace(raw); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil, fmt.Errorf("parsing channels JSON: %w", err)
		}
	} else {
		for _, name := range splitList(raw) {
			entries = append(entries, channelEntry(name))
		}
	}
	var out = entries[:0]
	for _, e := range entries {
		e.Username = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e.Username), "@"))
		if e.ID == 0 && e.Username == "" {
			return nil, fmt.Errorf("channel entry has neither id nor username")
		}
		out = append(out, e)
	}
	return out, nil
}

// channelEntry maps a bare channel name: all digits is a channel id,
// everything else a username.
func channelEntry(name string) ChannelEntry {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		return ChannelEntry{ID: id}
	}
	return ChannelEntry{Username: name}
}

func parsePriorities(csv string) (map[string]rotation.Priority, error) {
	var out = make(map[string]rotation.Priority)
	for _, part := range splitList(csv) {
		var handle, prio, ok = strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed priority entry %q, expected handle=priority", part)
		}
		switch p := rotation.Priority(prio); p {
		case rotation.PriorityHigh, rotation.PriorityNormal, rotation.PriorityLow:
			out[handle] = p
		default:
			return nil, fmt.Errorf("unknown priority %q for %q", prio, handle)
		}
	}
	return out, nil
}
