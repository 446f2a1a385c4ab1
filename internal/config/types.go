package config

// Config is the on-disk process configuration. Durations are Go duration
// strings ("500ms", "10s", "1m"); Resolve turns them into typed values.
type Config struct {
	// Instance is the sender name announced to the control plane and
	// matched against file-transfer targets.
	Instance string `json:"instance"`
	DataDir  string `json:"data_dir,omitempty"` // default: "./data"

	Logging      LoggingConfig      `json:"logging"`
	Transport    TransportConfig    `json:"transport"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Undo         UndoConfig         `json:"undo"`
	Cooldown     CooldownConfig     `json:"cooldown"`
	Retention    RetentionConfig    `json:"retention"`
	Recipients   RecipientsConfig   `json:"recipients"`
	ControlPlane ControlPlaneConfig `json:"control_plane"`
	Attachments  AttachmentsConfig  `json:"attachments"`
	HTTP         HTTPConfig         `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TransportConfig selects the messaging adapter.
//
//	"transport": { "driver": "telegram", "token": "...", "call_timeout": "60s" }
type TransportConfig struct {
	Driver      string `json:"driver"` // telegram | dryrun
	Token       string `json:"token,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
}

// StorageConfig controls persistence. Omitting the section (or driver "none")
// falls back to the file driver under data_dir.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Addr     string `json:"addr,omitempty"` // redis
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type DispatchConfig struct {
	// OnRecipientError is "abort" (default) or "continue".
	OnRecipientError string `json:"on_recipient_error,omitempty"`
	// MaxPerMinute caps sends per class; 0 disables the ceiling.
	MaxPerMinute int `json:"max_per_minute,omitempty"`
}

type DurationRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

type UndoConfig struct {
	FetchDelay DurationRange `json:"fetch_delay"`
	FetchLimit int           `json:"fetch_limit,omitempty"`
}

type CooldownConfig struct {
	EveryMin int    `json:"every_min,omitempty"`
	EveryMax int    `json:"every_max,omitempty"`
	Min      string `json:"min,omitempty"`
	Max      string `json:"max,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

type RetentionConfig struct {
	Days     int    `json:"days,omitempty"`     // default 30; negative disables
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@daily"
	Timezone string `json:"timezone,omitempty"`
}

type RecipientsConfig struct {
	Contacts string `json:"contacts"`
	Groups   string `json:"groups"`
}

type ControlPlaneConfig struct {
	Enabled          bool   `json:"enabled"`
	URL              string `json:"url"`
	Heartbeat        string `json:"heartbeat,omitempty"`         // default 8s
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"` // default 10s
	ScratchDir       string `json:"scratch_dir,omitempty"`       // default data_dir/incoming
}

type AttachmentsConfig struct {
	S3              S3Config `json:"s3"`
	MaxImageDim     int      `json:"max_image_dim,omitempty"` // 0 keeps originals
	DownloadTimeout string   `json:"download_timeout,omitempty"`
}

type S3Config struct {
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	PathStyle bool   `json:"path_style,omitempty"`
}

type HTTPConfig struct {
	// Addr of the operator API; empty disables it.
	Addr string `json:"addr,omitempty"`
	// Token is required as a bearer token on every route but /healthz.
	// Non-loopback addresses need a token unless AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
