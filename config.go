package bulkscan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/backoff"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelopestore"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/extract"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lease"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/notification"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/pipeline"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/quarantine"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/queue"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/upload"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/zipverify"
)

const (
	// DefaultStore points the processor at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultDatabaseDriver selects the embedded SQLite store.
	DefaultDatabaseDriver = envelopestore.DriverSQLite
	// DefaultDatabaseDSN is a local SQLite file next to the working directory.
	DefaultDatabaseDSN = "file:bulkscan.db?_busy_timeout=5000&_fk=1"
	// DefaultMetricsListen is empty; metrics are disabled unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty; pprof is disabled unless configured.
	DefaultPprofListen = ""
	// DefaultPollInterval is the delay between intake passes.
	DefaultPollInterval = pipeline.DefaultPollInterval
	// DefaultLeaseDuration is the blob lease length.
	DefaultLeaseDuration = lease.DefaultDuration
	// DefaultLeaseWatermarkTTL is how long an admitted worker owns a blob.
	DefaultLeaseWatermarkTTL = lease.DefaultWatermarkTTL
	// DefaultMaxRetries bounds transient retries per blob.
	DefaultMaxRetries = backoff.DefaultMaxRetries
	// DefaultRetryDelay separates transient retries.
	DefaultRetryDelay = backoff.DefaultDelay
	// DefaultRetryZone renders retry timestamps.
	DefaultRetryZone = clock.DefaultZone
	// DefaultCopyTimeout bounds a rejected-file copy.
	DefaultCopyTimeout = quarantine.DefaultCopyTimeout
	// DefaultCopyPollInterval is the copy status polling cadence.
	DefaultCopyPollInterval = quarantine.DefaultPollInterval
	// DefaultSignatureAlgorithm disables signature checks.
	DefaultSignatureAlgorithm = zipverify.AlgorithmNone
	// DefaultMaxZipBytes caps a downloaded archive.
	DefaultMaxZipBytes = pipeline.DefaultMaxZipBytes
	// DefaultMaxEntryBytes caps a single decompressed entry.
	DefaultMaxEntryBytes = extract.DefaultMaxEntryBytes
	// DefaultQueueContainer holds queue documents.
	DefaultQueueContainer = queue.DefaultContainer
	// DefaultQueueLockDuration is the visibility timeout of a received message.
	DefaultQueueLockDuration = queue.DefaultLockDuration
	// DefaultMaxDeliveryCount dead-letters a message after this many deliveries.
	DefaultMaxDeliveryCount = queue.DefaultMaxDeliveryCount
	// DefaultNotificationPollInterval is the idle delay of the processed-message consumer.
	DefaultNotificationPollInterval = notification.DefaultPollInterval
	// DefaultRedeliveryDelay hides a retried processed message before redelivery.
	DefaultRedeliveryDelay = notification.DefaultRedeliveryDelay
	// DefaultEnvelopesQueue carries outbound envelope notifications.
	DefaultEnvelopesQueue = "envelopes"
	// DefaultProcessedQueue carries inbound processed messages.
	DefaultProcessedQueue = "processed-envelopes"
	// DefaultDocumentsContainer receives uploaded PDFs.
	DefaultDocumentsContainer = upload.DefaultContainer
	// DefaultStorageRetryMaxAttempts bounds attempts for transient storage errors.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the first storage retry delay.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps storage retry delays.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier grows storage retry delays.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultAWSRegion is used for aws:// stores when nothing else is set.
	DefaultAWSRegion = "us-east-1"
	// DefaultAzureEndpointHelp documents the Azure endpoint format in CLI help output.
	DefaultAzureEndpointHelp = "https://<account>.blob.core.windows.net"
)

// Config captures the processor configuration.
type Config struct {
	// Store selects the blob backend (mem://, s3://, aws://, azure://).
	Store string `yaml:"store"`
	// DatabaseDriver is sqlite3 or postgres.
	DatabaseDriver string `yaml:"database-driver"`
	// DatabaseDSN is passed to the SQL driver.
	DatabaseDSN string `yaml:"database-dsn"`
	// Containers lists the intake containers and their acceptance rules.
	Containers []envelope.ContainerRule `yaml:"containers"`

	PollInterval      time.Duration `yaml:"poll-interval"`
	LeaseDuration     time.Duration `yaml:"lease-duration"`
	LeaseWatermarkTTL time.Duration `yaml:"lease-watermark-ttl"`
	// MaxRetries is taken as is; zero disables transient retries.
	MaxRetries       int           `yaml:"max-retries"`
	RetryDelay       time.Duration `yaml:"retry-delay"`
	RetryZone        string        `yaml:"retry-zone"`
	CopyTimeout      time.Duration `yaml:"copy-timeout"`
	CopyPollInterval time.Duration `yaml:"copy-poll-interval"`

	SignatureAlgorithm string `yaml:"signature-algorithm"`
	// PublicKeyFile points at the PEM or base64 DER key used for sha256withrsa.
	PublicKeyFile string `yaml:"public-key-file"`
	// PublicKey overrides PublicKeyFile when set.
	PublicKey     []byte `yaml:"-"`
	MaxZipBytes   int64  `yaml:"max-zip-bytes"`
	MaxEntryBytes int64  `yaml:"max-entry-bytes"`

	QueueContainer           string        `yaml:"queue-container"`
	QueueLockDuration        time.Duration `yaml:"queue-lock-duration"`
	MaxDeliveryCount         int           `yaml:"max-delivery-count"`
	NotificationPollInterval time.Duration `yaml:"notification-poll-interval"`
	RedeliveryDelay          time.Duration `yaml:"redelivery-delay"`
	EnvelopesQueue           string        `yaml:"envelopes-queue"`
	ProcessedQueue           string        `yaml:"processed-queue"`

	DocumentsContainer string `yaml:"documents-container"`
	// DocumentsBaseURL prefixes uploaded document URLs; empty yields blob:// URLs.
	DocumentsBaseURL string `yaml:"documents-base-url"`
	// DisableUpload leaves admitted envelopes at CREATED for an external uploader.
	DisableUpload bool `yaml:"disable-upload"`

	StorageRetryMaxAttempts int           `yaml:"storage-retry-max-attempts"`
	StorageRetryBaseDelay   time.Duration `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    time.Duration `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64       `yaml:"storage-retry-multiplier"`

	// AzureAccount is the Azure storage account name.
	AzureAccount string `yaml:"azure-account"`
	// AzureAccountKey is the shared-key credential for Azure Blob.
	AzureAccountKey string `yaml:"azure-key"`
	// AzureEndpoint overrides the Azure Blob endpoint URL.
	AzureEndpoint string `yaml:"azure-endpoint"`
	// AzureSASToken configures SAS-token auth for Azure Blob.
	AzureSASToken string `yaml:"azure-sas-token"`

	// S3AccessKeyID sets the static S3 access key credential.
	S3AccessKeyID string `yaml:"s3-access-key-id"`
	// S3SecretAccessKey sets the static S3 secret credential.
	S3SecretAccessKey string `yaml:"s3-secret-access-key"`
	// S3SessionToken sets an optional session token for temporary credentials.
	S3SessionToken string `yaml:"s3-session-token"`
	// S3Region sets the region for aws:// stores.
	S3Region string `yaml:"s3-region"`

	// MetricsListen is the Prometheus endpoint bind address; empty disables metrics.
	MetricsListen string `yaml:"metrics-listen"`
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string `yaml:"pprof-listen"`
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableProfilingMetrics bool `yaml:"enable-profiling-metrics"`
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `yaml:"otlp-endpoint"`
}

// DefaultConfig returns a configuration with every default filled in and a
// single enabled container.
func DefaultConfig() Config {
	return Config{
		Store:          DefaultStore,
		DatabaseDriver: DefaultDatabaseDriver,
		DatabaseDSN:    DefaultDatabaseDSN,
		Containers: []envelope.ContainerRule{
			{Container: "bulkscan", Enabled: true},
		},
		PollInterval:             DefaultPollInterval,
		LeaseDuration:            DefaultLeaseDuration,
		LeaseWatermarkTTL:        DefaultLeaseWatermarkTTL,
		MaxRetries:               DefaultMaxRetries,
		RetryDelay:               DefaultRetryDelay,
		RetryZone:                DefaultRetryZone,
		CopyTimeout:              DefaultCopyTimeout,
		CopyPollInterval:         DefaultCopyPollInterval,
		SignatureAlgorithm:       DefaultSignatureAlgorithm,
		MaxZipBytes:              DefaultMaxZipBytes,
		MaxEntryBytes:            DefaultMaxEntryBytes,
		QueueContainer:           DefaultQueueContainer,
		QueueLockDuration:        DefaultQueueLockDuration,
		MaxDeliveryCount:         DefaultMaxDeliveryCount,
		NotificationPollInterval: DefaultNotificationPollInterval,
		RedeliveryDelay:          DefaultRedeliveryDelay,
		EnvelopesQueue:           DefaultEnvelopesQueue,
		ProcessedQueue:           DefaultProcessedQueue,
		DocumentsContainer:       DefaultDocumentsContainer,
		StorageRetryMaxAttempts:  DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:    DefaultStorageRetryBaseDelay,
		StorageRetryMaxDelay:     DefaultStorageRetryMaxDelay,
		StorageRetryMultiplier:   DefaultStorageRetryMultiplier,
		MetricsListen:            DefaultMetricsListen,
		PprofListen:              DefaultPprofListen,
	}
}

// Validate fills defaults and rejects values the processor cannot run with.
func (c *Config) Validate() error {
	if c.Store == "" {
		c.Store = DefaultStore
	}
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	switch c.DatabaseDriver {
	case "":
		c.DatabaseDriver = DefaultDatabaseDriver
	case envelopestore.DriverSQLite, envelopestore.DriverPostgres:
	default:
		return fmt.Errorf("config: database driver must be %q or %q", envelopestore.DriverSQLite, envelopestore.DriverPostgres)
	}
	if c.DatabaseDSN == "" {
		if c.DatabaseDriver != envelopestore.DriverSQLite {
			return fmt.Errorf("config: database dsn is required for %s", c.DatabaseDriver)
		}
		c.DatabaseDSN = DefaultDatabaseDSN
	}
	if err := c.validateContainers(); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	} else if c.LeaseDuration < 15*time.Second || c.LeaseDuration > 60*time.Second {
		return fmt.Errorf("config: lease duration must be between 15s and 60s")
	}
	if c.LeaseWatermarkTTL <= 0 {
		c.LeaseWatermarkTTL = DefaultLeaseWatermarkTTL
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must be >= 0")
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryZone == "" {
		c.RetryZone = DefaultRetryZone
	}
	if _, err := clock.LoadZone(c.RetryZone); err != nil {
		return fmt.Errorf("config: retry zone: %w", err)
	}
	if c.CopyTimeout <= 0 {
		c.CopyTimeout = DefaultCopyTimeout
	}
	if c.CopyPollInterval <= 0 {
		c.CopyPollInterval = DefaultCopyPollInterval
	}
	if c.SignatureAlgorithm == "" {
		c.SignatureAlgorithm = DefaultSignatureAlgorithm
	}
	c.SignatureAlgorithm = strings.ToLower(strings.TrimSpace(c.SignatureAlgorithm))
	if err := zipverify.ValidateAlgorithm(c.SignatureAlgorithm); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SignatureAlgorithm == zipverify.AlgorithmSHA256WithRSA && len(c.PublicKey) == 0 && strings.TrimSpace(c.PublicKeyFile) == "" {
		return fmt.Errorf("config: %s requires public-key-file", zipverify.AlgorithmSHA256WithRSA)
	}
	if c.MaxZipBytes <= 0 {
		c.MaxZipBytes = DefaultMaxZipBytes
	}
	if c.MaxEntryBytes <= 0 {
		c.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if c.QueueContainer == "" {
		c.QueueContainer = DefaultQueueContainer
	}
	if c.QueueLockDuration <= 0 {
		c.QueueLockDuration = DefaultQueueLockDuration
	}
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	if c.NotificationPollInterval <= 0 {
		c.NotificationPollInterval = DefaultNotificationPollInterval
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = DefaultRedeliveryDelay
	}
	if c.EnvelopesQueue == "" {
		c.EnvelopesQueue = DefaultEnvelopesQueue
	}
	if c.ProcessedQueue == "" {
		c.ProcessedQueue = DefaultProcessedQueue
	}
	if c.EnvelopesQueue == c.ProcessedQueue {
		return fmt.Errorf("config: envelopes and processed queues must differ")
	}
	if c.DocumentsContainer == "" {
		c.DocumentsContainer = DefaultDocumentsContainer
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	} else if c.StorageRetryMultiplier < 1 {
		return fmt.Errorf("config: storage retry multiplier must be >= 1")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

func (c *Config) validateContainers() error {
	seen := make(map[string]struct{}, len(c.Containers))
	enabled := 0
	for i := range c.Containers {
		rule := &c.Containers[i]
		rule.Container = strings.TrimSpace(rule.Container)
		if rule.Container == "" {
			return fmt.Errorf("config: containers[%d]: name is required", i)
		}
		if strings.HasSuffix(rule.Container, quarantine.RejectedSuffix) {
			return fmt.Errorf("config: container %q: names ending in %q are reserved for rejected files", rule.Container, quarantine.RejectedSuffix)
		}
		if _, ok := seen[rule.Container]; ok {
			return fmt.Errorf("config: container %q listed twice", rule.Container)
		}
		seen[rule.Container] = struct{}{}
		if rule.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: at least one enabled container is required")
	}
	if _, ok := seen[c.QueueContainer]; ok && c.QueueContainer != "" {
		return fmt.Errorf("config: queue container %q collides with an intake container", c.QueueContainer)
	}
	return nil
}

// EnabledContainers returns the names of the enabled intake containers.
func (c *Config) EnabledContainers() []string {
	out := make([]string, 0, len(c.Containers))
	for _, rule := range c.Containers {
		if rule.Enabled {
			out = append(out, rule.Container)
		}
	}
	return out
}

// LoadPublicKey returns PublicKey or the contents of PublicKeyFile.
func (c *Config) LoadPublicKey() ([]byte, error) {
	if len(c.PublicKey) > 0 {
		return c.PublicKey, nil
	}
	path := strings.TrimSpace(c.PublicKeyFile)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read public key: %w", err)
	}
	return data, nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.bulkscan).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("BULKSCAN_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bulkscan"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
