package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sensorhub/internal/domain"
)

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Log     LogConfig      `mapstructure:"log"`
	Storage StorageConfig  `mapstructure:"storage"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Systems []SystemConfig `mapstructure:"systems"`
	Ingest  IngestConfig   `mapstructure:"ingest"`
	Relay   RelayConfig    `mapstructure:"relay"`
	Raft    RaftConfig     `mapstructure:"raft"`
	Feature FeatureConfig  `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// SystemConfig declares a system and the command streams it exposes at
// startup.
type SystemConfig struct {
	UID            string         `mapstructure:"uid"`
	Name           string         `mapstructure:"name"`
	ValidFrom      string         `mapstructure:"valid_from"`
	CommandStreams []StreamConfig `mapstructure:"command_streams"`
}

type StreamConfig struct {
	ControlInput string        `mapstructure:"control_input"`
	Name         string        `mapstructure:"name"`
	Description  string        `mapstructure:"description"`
	Encoding     string        `mapstructure:"encoding"`
	Fields       []FieldConfig `mapstructure:"fields"`
	Result       []FieldConfig `mapstructure:"result"`
}

type FieldConfig struct {
	Name          string        `mapstructure:"name"`
	Type          string        `mapstructure:"type"`
	Label         string        `mapstructure:"label"`
	UOM           string        `mapstructure:"uom"`
	Optional      bool          `mapstructure:"optional"`
	Min           *float64      `mapstructure:"min"`
	Max           *float64      `mapstructure:"max"`
	AllowedValues []string      `mapstructure:"allowed_values"`
	Fields        []FieldConfig `mapstructure:"fields"`
}

type IngestConfig struct {
	Socket   SocketConfig   `mapstructure:"socket"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	Topics      []string `mapstructure:"topics"`
	GroupID     string   `mapstructure:"group_id"`
	ClientID    string   `mapstructure:"client_id"`
	WorkerCount int      `mapstructure:"worker_count"`
	CommitMode  string   `mapstructure:"commit_mode"`
	ParseMode   string   `mapstructure:"parse_mode"`
}

type RabbitMQConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	URL               string   `mapstructure:"url"`
	Exchange          string   `mapstructure:"exchange"`
	Queue             string   `mapstructure:"queue"`
	RoutingKeys       []string `mapstructure:"routing_keys"`
	PrefetchCount     int      `mapstructure:"prefetch_count"`
	Workers           int      `mapstructure:"workers"`
	RequireBodyTarget bool     `mapstructure:"require_body_target"`
}

type RelayConfig struct {
	Kafka RelayKafkaConfig `mapstructure:"kafka"`
}

type RelayKafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Groups  []string `mapstructure:"groups"`
}

type RaftConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	NodeID         uint64            `mapstructure:"node_id"`
	Address        string            `mapstructure:"address"`
	Peers          map[string]string `mapstructure:"peers"`
	Bootstrap      bool              `mapstructure:"bootstrap"`
	TickInterval   time.Duration     `mapstructure:"tick_interval"`
	ElectionTicks  int               `mapstructure:"election_ticks"`
	HeartbeatTicks int               `mapstructure:"heartbeat_ticks"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("sensorhub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("metrics.address", ":9464")
	v.SetDefault("ingest.socket.enabled", false)
	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.address", "127.0.0.1:7400")
	v.SetDefault("ingest.socket.auth_token", "")
	v.SetDefault("ingest.socket.max_inflight", 256)
	v.SetDefault("ingest.socket.global_queue_limit", 4096)
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.commit_mode", "after_quorum_commit")
	v.SetDefault("ingest.kafka.parse_mode", "json_envelope")
	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.exchange", "sensorhub.status")
	v.SetDefault("ingest.rabbitmq.prefetch_count", 64)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("relay.kafka.enabled", false)
	v.SetDefault("relay.kafka.topic", "sensorhub.events")
	v.SetDefault("raft.enabled", false)
	v.SetDefault("raft.tick_interval", 20*time.Millisecond)
	v.SetDefault("feature.allow_multiple_adapters", true)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	switch c.Storage.Backend {
	case "", BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if err := c.validateSystems(); err != nil {
		return err
	}
	if c.Ingest.Kafka.Enabled {
		k := c.Ingest.Kafka
		if len(k.Brokers) == 0 || len(k.Topics) == 0 || k.GroupID == "" {
			return fmt.Errorf("ingest.kafka requires brokers, topics and group_id")
		}
		if k.CommitMode != "" && k.CommitMode != "after_quorum_commit" {
			return fmt.Errorf("ingest.kafka.commit_mode must be after_quorum_commit")
		}
	}
	if c.Ingest.RabbitMQ.Enabled && (c.Ingest.RabbitMQ.URL == "" || c.Ingest.RabbitMQ.Queue == "") {
		return fmt.Errorf("ingest.rabbitmq requires url and queue")
	}
	if c.Relay.Kafka.Enabled && (len(c.Relay.Kafka.Brokers) == 0 || c.Relay.Kafka.Topic == "") {
		return fmt.Errorf("relay.kafka requires brokers and topic")
	}
	if c.Raft.Enabled {
		peers, err := c.Raft.PeerAddresses()
		if err != nil {
			return err
		}
		if c.Raft.NodeID == 0 {
			return fmt.Errorf("raft.node_id must be positive")
		}
		if _, ok := peers[c.Raft.NodeID]; !ok {
			return fmt.Errorf("raft.peers must include node %d", c.Raft.NodeID)
		}
	}
	if !c.Feature.AllowMultipleAdapters {
		enabled := 0
		if c.Ingest.Socket.Enabled {
			enabled++
		}
		if c.Ingest.Kafka.Enabled {
			enabled++
		}
		if c.Ingest.RabbitMQ.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
		}
	}
	return nil
}

func (c Config) validateSystems() error {
	seen := map[string]bool{}
	for i, s := range c.Systems {
		if s.UID == "" {
			return fmt.Errorf("systems[%d].uid is required", i)
		}
		if seen[s.UID] {
			return fmt.Errorf("system %q declared twice", s.UID)
		}
		seen[s.UID] = true
		if _, err := s.ValidTime(); err != nil {
			return err
		}
		for j, cs := range s.CommandStreams {
			if cs.ControlInput == "" {
				return fmt.Errorf("systems[%d].command_streams[%d].control_input is required", i, j)
			}
			if len(cs.Fields) == 0 {
				return fmt.Errorf("command stream %s/%s declares no fields", s.UID, cs.ControlInput)
			}
			if err := validateFields(cs.Fields); err != nil {
				return fmt.Errorf("command stream %s/%s: %w", s.UID, cs.ControlInput, err)
			}
			if err := validateFields(cs.Result); err != nil {
				return fmt.Errorf("command stream %s/%s result: %w", s.UID, cs.ControlInput, err)
			}
		}
	}
	return nil
}

var fieldTypes = map[domain.FieldType]bool{
	domain.FieldBoolean: true, domain.FieldCount: true, domain.FieldQuantity: true, domain.FieldText: true,
	domain.FieldCategory: true, domain.FieldTime: true, domain.FieldRecord: true,
}

func validateFields(fields []FieldConfig) error {
	for _, f := range fields {
		if f.Name == "" {
			return errors.New("field name is required")
		}
		if !fieldTypes[domain.FieldType(f.Type)] {
			return fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
		}
		if err := validateFields(f.Fields); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

// ParseLevel maps a log.level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// PeerAddresses converts the peers table, keyed by node id, to the form
// the raft engine takes.
func (r RaftConfig) PeerAddresses() (map[uint64]string, error) {
	out := make(map[uint64]string, len(r.Peers))
	for k, addr := range r.Peers {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("raft.peers: invalid node id %q", k)
		}
		out[id] = addr
	}
	return out, nil
}

// ValidTime is the valid time of the system. valid_from is RFC 3339; when
// unset the registry opens the system at registration time.
func (s SystemConfig) ValidTime() (domain.TimeExtent, error) {
	if s.ValidFrom == "" {
		return domain.BeginAt(time.Time{}), nil
	}
	t, err := time.Parse(time.RFC3339, s.ValidFrom)
	if err != nil {
		return domain.TimeExtent{}, fmt.Errorf("system %s valid_from: %w", s.UID, err)
	}
	return domain.BeginAt(t.UTC()), nil
}

// Info builds the command stream described by s. The system is filled in
// by the handler that adds it.
func (s StreamConfig) Info() domain.CommandStreamInfo {
	enc := s.Encoding
	if enc == "" {
		enc = domain.EncodingJSON
	}
	info := domain.CommandStreamInfo{
		Name:             s.Name,
		Description:      s.Description,
		ControlInputName: s.ControlInput,
		RecordStructure:  domain.RecordStructure{Name: s.ControlInput, Fields: toFields(s.Fields)},
		RecordEncoding:   domain.Encoding{Format: enc},
	}
	if len(s.Result) > 0 {
		info.ResultStructure = &domain.RecordStructure{Name: s.ControlInput + "Result", Fields: toFields(s.Result)}
		info.ResultEncoding = &domain.Encoding{Format: domain.EncodingJSON}
	}
	return info
}

func toFields(in []FieldConfig) []domain.Field {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Field, 0, len(in))
	for _, f := range in {
		out = append(out, domain.Field{
			Name:          f.Name,
			Type:          domain.FieldType(f.Type),
			Label:         f.Label,
			UOM:           f.UOM,
			Optional:      f.Optional,
			Min:           f.Min,
			Max:           f.Max,
			AllowedValues: f.AllowedValues,
			Fields:        toFields(f.Fields),
		})
	}
	return out
}
