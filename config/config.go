package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      App       `yaml:"app"`
	Server   Server    `yaml:"server"`
	Database Database  `yaml:"database"`
	Ledger   Ledger    `yaml:"ledger"`
	Protocol Protocol  `yaml:"protocol"`
	Live     Live      `yaml:"live"`
	Runner   Runner    `yaml:"runner"`
	Admin    Admin     `yaml:"admin"`
	Queue    *RabbitMQ `yaml:"rabbitmq"`
	MinIO    MinIO     `yaml:"minio"`
	Redis    Redis     `yaml:"redis"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

// PublicURL is the base URL runners use to reach this server.
func (a App) PublicURL() string {
	return a.Protocol + "://" + a.Host
}

type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
}

type Database struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	LogQueries   bool   `yaml:"log_queries"`
}

type Ledger struct {
	MaxFailures    int           `yaml:"max_failures"`
	LeaseTimeout   time.Duration `yaml:"lease_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	PriorityWindow time.Duration `yaml:"priority_window"`
}

type Protocol struct {
	RequestCandidates int `yaml:"request_candidates"`
}

type Live struct {
	RTMPApp         string        `yaml:"rtmp_app"`
	RTMPBaseURL     string        `yaml:"rtmp_base_url"`
	StreamingDir    string        `yaml:"streaming_dir"`
	ReplayDir       string        `yaml:"replay_dir"`
	WorkDir         string        `yaml:"work_dir"`
	SegmentDuration int           `yaml:"segment_duration"`
	SegmentListSize int           `yaml:"segment_list_size"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	FFprobePath     string        `yaml:"ffprobe_path"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	MinEncodeSpeed  float64       `yaml:"min_encode_speed"`
	Transcoding     Transcoding   `yaml:"transcoding"`
}

type Transcoding struct {
	RemoteRunners bool  `yaml:"remote_runners"`
	Resolutions   []int `yaml:"resolutions"`
}

type Runner struct {
	Name         string        `yaml:"name"`
	ConfigDir    string        `yaml:"config_dir"`
	SocketPath   string        `yaml:"socket_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
	FFmpegPath   string        `yaml:"ffmpeg_path"`
	WorkDir      string        `yaml:"work_dir"`
}

type Admin struct {
	Token string `yaml:"token"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
	// UploadQueue receives dto.UploadFinishedMessage from the upload service.
	UploadQueue      string `json:"upload_queue"`
	UploadRoutingKey string `json:"upload_routing_key"`
	// EventsExchange carries job state transitions out of the ledger.
	EventsExchange string `json:"events_exchange"`
}

// Enabled reports whether a broker is configured at all.
func (r RabbitMQ) Enabled() bool {
	return r.Host != ""
}

func (r RabbitMQ) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.User, r.Pass, r.Host, r.Port)
}

type MinIO struct {
	URL             string `yaml:"url"`
	AccessID        string `yaml:"access_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Secure          bool   `yaml:"secure"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "develop")
	v.SetDefault("app.host", "localhost:8080")
	v.SetDefault("app.protocol", "http")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.workers", 2)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("ledger.max_failures", 5)
	v.SetDefault("ledger.lease_timeout", 5*time.Minute)
	v.SetDefault("ledger.sweep_interval", time.Minute)
	v.SetDefault("ledger.priority_window", 7*24*time.Hour)
	v.SetDefault("protocol.request_candidates", 5)
	v.SetDefault("live.rtmp_app", "live")
	v.SetDefault("live.rtmp_base_url", "rtmp://localhost:1935")
	v.SetDefault("live.streaming_dir", "streaming-playlists")
	v.SetDefault("live.replay_dir", "replays")
	v.SetDefault("live.work_dir", filepath.Join(os.TempDir(), "live-transcoding"))
	v.SetDefault("live.segment_duration", 2)
	v.SetDefault("live.segment_list_size", 15)
	v.SetDefault("live.max_duration", 0)
	v.SetDefault("live.ffmpeg_path", "ffmpeg")
	v.SetDefault("live.ffprobe_path", "ffprobe")
	v.SetDefault("live.probe_timeout", 10*time.Second)
	v.SetDefault("live.min_encode_speed", 0.8)
	v.SetDefault("live.transcoding.remote_runners", false)
	v.SetDefault("live.transcoding.resolutions", []int{360, 720})
	v.SetDefault("runner.name", hostname())
	v.SetDefault("runner.config_dir", filepath.Join(userConfigDir(), "transcode-runner"))
	v.SetDefault("runner.socket_path", filepath.Join(os.TempDir(), "transcode-runner.sock"))
	v.SetDefault("runner.poll_interval", 5*time.Second)
	v.SetDefault("runner.concurrency", 2)
	v.SetDefault("runner.ffmpeg_path", "ffmpeg")
	v.SetDefault("runner.work_dir", filepath.Join(os.TempDir(), "transcode-runner"))
	v.SetDefault("rabbitmq_port", 5672)
	v.SetDefault("rabbitmq_kind", "direct")
	v.SetDefault("rabbitmq_exchange", "transcoding_exchange")
	v.SetDefault("rabbitmq_upload_queue", "transcoding_queue")
	v.SetDefault("rabbitmq_upload_routing_key", "transcoding.request")
	v.SetDefault("rabbitmq_events_exchange", "runner_job_events")
	v.SetDefault("redis.addr", "localhost:6379")
}

// Load reads config.yaml from path. A missing file is fine: defaults and
// environment variables (APP_ENVIRONMENT, SERVER_PORT, ...) still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return &Config{
		App: App{
			Environment: v.GetString("app.environment"),
			Host:        v.GetString("app.host"),
			Protocol:    v.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: v.GetString("server.port"),
			Workers:  v.GetInt("server.workers"),
		},
		Database: Database{
			DSN:          v.GetString("postgresql_host"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
			LogQueries:   v.GetBool("database.log_queries"),
		},
		Ledger: Ledger{
			MaxFailures:    v.GetInt("ledger.max_failures"),
			LeaseTimeout:   v.GetDuration("ledger.lease_timeout"),
			SweepInterval:  v.GetDuration("ledger.sweep_interval"),
			PriorityWindow: v.GetDuration("ledger.priority_window"),
		},
		Protocol: Protocol{
			RequestCandidates: v.GetInt("protocol.request_candidates"),
		},
		Live: Live{
			RTMPApp:         v.GetString("live.rtmp_app"),
			RTMPBaseURL:     v.GetString("live.rtmp_base_url"),
			StreamingDir:    v.GetString("live.streaming_dir"),
			ReplayDir:       v.GetString("live.replay_dir"),
			WorkDir:         v.GetString("live.work_dir"),
			SegmentDuration: v.GetInt("live.segment_duration"),
			SegmentListSize: v.GetInt("live.segment_list_size"),
			MaxDuration:     v.GetDuration("live.max_duration"),
			FFmpegPath:      v.GetString("live.ffmpeg_path"),
			FFprobePath:     v.GetString("live.ffprobe_path"),
			ProbeTimeout:    v.GetDuration("live.probe_timeout"),
			MinEncodeSpeed:  v.GetFloat64("live.min_encode_speed"),
			Transcoding: Transcoding{
				RemoteRunners: v.GetBool("live.transcoding.remote_runners"),
				Resolutions:   v.GetIntSlice("live.transcoding.resolutions"),
			},
		},
		Runner: Runner{
			Name:         v.GetString("runner.name"),
			ConfigDir:    v.GetString("runner.config_dir"),
			SocketPath:   v.GetString("runner.socket_path"),
			PollInterval: v.GetDuration("runner.poll_interval"),
			Concurrency:  v.GetInt("runner.concurrency"),
			FFmpegPath:   v.GetString("runner.ffmpeg_path"),
			WorkDir:      v.GetString("runner.work_dir"),
		},
		Admin: Admin{
			Token: v.GetString("admin.token"),
		},
		Queue: &RabbitMQ{
			Host:         v.GetString("rabbitmq_host"),
			Port:         v.GetInt("rabbitmq_port"),
			User:         v.GetString("rabbitmq_user"),
			Pass:         v.GetString("rabbitmq_pass"),
			ExchangeName: v.GetString("rabbitmq_exchange"),
			Kind:         v.GetString("rabbitmq_kind"),

			UploadQueue:      v.GetString("rabbitmq_upload_queue"),
			UploadRoutingKey: v.GetString("rabbitmq_upload_routing_key"),
			EventsExchange:   v.GetString("rabbitmq_events_exchange"),
		},
		MinIO: MinIO{
			URL:             v.GetString("minio.url"),
			AccessID:        v.GetString("minio.access_id"),
			SecretAccessKey: v.GetString("minio.secret_access_key"),
			Bucket:          v.GetString("minio.bucket"),
			Secure:          v.GetBool("minio.secure"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "runner"
	}
	return name
}

func userConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return os.TempDir()
	}
	return dir
}
