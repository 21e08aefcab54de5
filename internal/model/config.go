package model

// Config 引擎配置文档，持久化于 feisync.config.json
// 所有运行配置都经由文档存储，不读取环境变量
type Config struct {
	// InstanceID 安装实例标识，首次启动生成
	InstanceID string `json:"instance_id"`

	Server   ServerConfig   `json:"api_server"`
	Log      LogConfig      `json:"log"`
	Transfer TransferConfig `json:"transfer"`

	// AdminKeyHash 管理密钥的 SHA-256 十六进制摘要
	AdminKeyHash string `json:"admin_key_hash,omitempty"`
	// AdminKeyPlain 管理密钥明文，供 get_api_key 回显
	AdminKeyPlain string `json:"admin_key_plain,omitempty"`
}

// ServerConfig API 网关配置
type ServerConfig struct {
	// Enabled 进程启动时是否拉起监听
	Enabled bool `json:"enabled" default:"true"`
	// Port 监听端口
	Port int `json:"port" default:"6688"`
	// RequestTimeoutSec 单请求分发超时（秒）
	RequestTimeoutSec int `json:"request_timeout_sec" default:"120"`
}

// LogConfig 审计日志配置
type LogConfig struct {
	Enabled bool `json:"enabled" default:"true"`
	// Directory 审计日志目录，空值使用数据目录下 api_logs
	Directory string `json:"directory,omitempty"`
	// MaxSizeMB 总容量上限，区间 5–2048
	MaxSizeMB int64 `json:"max_size_mb" default:"100"`
	// Level zap 日志级别
	Level string `json:"level" default:"info"`
	// File 进程日志器不读取此字段；进程日志固定输出到 stderr 并追加写入数据目录下 logs/feisync.log
	File string `json:"file,omitempty"`
}

// TransferConfig 传输引擎配置
type TransferConfig struct {
	// WorkersPerDirection 每个方向的 worker 数
	WorkersPerDirection int `json:"workers_per_direction" default:"3"`
	// PerTenantParallel 同一租户的最大并发传输数
	PerTenantParallel int `json:"per_tenant_parallel" default:"2"`
	// BlockRetries 单块重试次数
	BlockRetries int `json:"block_retries" default:"5"`
	// RetryBaseMs 重试退避基准（毫秒）
	RetryBaseMs int `json:"retry_base_ms" default:"500"`
	// RetryCapMs 重试退避上限（毫秒）
	RetryCapMs int `json:"retry_cap_ms" default:"10000"`
	// BackendTimeoutSec 单次后端调用超时（秒）
	BackendTimeoutSec int `json:"backend_timeout_sec" default:"60"`
}

// ClampLogSize 审计日志容量收敛到允许区间
func (c *LogConfig) ClampLogSize() {
	if c.MaxSizeMB < 5 {
		c.MaxSizeMB = 5
	}
	if c.MaxSizeMB > 2048 {
		c.MaxSizeMB = 2048
	}
}
