package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/loggingutil"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/pipeline"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("BULKSCAN_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "bulkscan")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	failed, err := root.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if failed == root {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command.failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the per-invocation viper instance so commands built for tests
// do not share flag bindings.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), logger: loggingutil.EnsureLogger(baseLogger)}
	var once bool

	cmd := &cobra.Command{
		Use:           "bulkscan",
		Short:         "bulkscan ingests scanned envelope archives from blob storage",
		SilenceErrors: true,
		Example: `
  # In-memory storage and a local SQLite database (dev only)
  bulkscan --store mem:// --containers sscs,probate

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  BULKSCAN_STORE=s3://localhost:9000/bulkscan?insecure=1&path-style=1 BULKSCAN_S3_ACCESS_KEY_ID=minioadmin BULKSCAN_S3_SECRET_ACCESS_KEY=minioadmin bulkscan

  # Azure Blob Storage with Postgres
  bulkscan --store azure://bulkscanstore --database-driver postgres --database-dsn postgres://bulkscan@db/bulkscan

  # Single intake pass, then exit
  bulkscan --once
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger, cfg, err := c.load()
			if err != nil {
				return err
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to bulkscan", "pid", os.Getpid())

			proc, err := bulkscan.New(cfg, bulkscan.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				if err := proc.Close(); err != nil {
					cliLogger.Warn("processor.close_failed", "error", err)
				}
			}()
			if once {
				summaries, settled, err := proc.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printSummaries(cmd.OutOrStdout(), summaries, settled)
			}
			return proc.Run(ctx)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.bulkscan/config.yaml)")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistent.String("store", bulkscan.DefaultStore, "blob store URL (mem://, s3://host[:port]/bucket, aws://bucket, azure://account)")
	persistent.String("database-driver", bulkscan.DefaultDatabaseDriver, "envelope database driver (sqlite3, postgres)")
	persistent.String("database-dsn", bulkscan.DefaultDatabaseDSN, "envelope database DSN")
	persistent.StringSlice("containers", defaultContainerSpecs(), "intake containers as name[:jurisdiction[:pobox|pobox]] (YAML supports full rules)")
	persistent.Duration("poll-interval", bulkscan.DefaultPollInterval, "delay between intake passes")
	persistent.Duration("lease-duration", bulkscan.DefaultLeaseDuration, "blob lease duration (15s-60s)")
	persistent.Duration("lease-watermark-ttl", bulkscan.DefaultLeaseWatermarkTTL, "how long an admitted worker owns a blob")
	persistent.Int("max-retries", bulkscan.DefaultMaxRetries, "transient retries per blob before rejection")
	persistent.Duration("retry-delay", bulkscan.DefaultRetryDelay, "delay between transient retries")
	persistent.String("retry-zone", bulkscan.DefaultRetryZone, "time zone for retry timestamps")
	persistent.Duration("copy-timeout", bulkscan.DefaultCopyTimeout, "timeout for moving a rejected archive")
	persistent.Duration("copy-poll-interval", bulkscan.DefaultCopyPollInterval, "copy status polling interval")
	persistent.String("signature-algorithm", bulkscan.DefaultSignatureAlgorithm, "archive signature algorithm (none, sha256withrsa)")
	persistent.String("public-key-file", "", "RSA public key for sha256withrsa (PEM or base64 DER)")
	persistent.String("max-zip-bytes", humanizeBytes(bulkscan.DefaultMaxZipBytes), "largest archive downloaded (e.g. 512MiB)")
	persistent.String("max-entry-bytes", humanizeBytes(bulkscan.DefaultMaxEntryBytes), "largest decompressed archive entry")
	persistent.String("queue-container", bulkscan.DefaultQueueContainer, "container holding queue messages")
	persistent.Duration("queue-lock-duration", bulkscan.DefaultQueueLockDuration, "visibility timeout of received messages")
	persistent.Int("max-delivery-count", bulkscan.DefaultMaxDeliveryCount, "deliveries before a message is dead-lettered")
	persistent.Duration("notification-poll-interval", bulkscan.DefaultNotificationPollInterval, "idle delay of the processed-message consumer")
	persistent.Duration("redelivery-delay", bulkscan.DefaultRedeliveryDelay, "delay before a retried processed message is delivered again")
	persistent.String("envelopes-queue", bulkscan.DefaultEnvelopesQueue, "queue for outbound envelope notifications")
	persistent.String("processed-queue", bulkscan.DefaultProcessedQueue, "queue for inbound processed messages")
	persistent.String("documents-container", bulkscan.DefaultDocumentsContainer, "container receiving uploaded PDFs")
	persistent.String("documents-base-url", "", "base URL for uploaded document links (empty uses blob:// references)")
	persistent.Bool("disable-upload", false, "leave envelopes at CREATED for an external uploader")
	persistent.Int("storage-retry-max-attempts", bulkscan.DefaultStorageRetryMaxAttempts, "attempts for transient storage errors")
	persistent.Duration("storage-retry-base-delay", bulkscan.DefaultStorageRetryBaseDelay, "first storage retry delay")
	persistent.Duration("storage-retry-max-delay", bulkscan.DefaultStorageRetryMaxDelay, "storage retry delay cap")
	persistent.Float64("storage-retry-multiplier", bulkscan.DefaultStorageRetryMultiplier, "storage retry backoff multiplier")
	persistent.String("azure-account", "", "Azure storage account (overrides azure://account)")
	persistent.String("azure-key", "", "Azure storage account key")
	persistent.String("azure-endpoint", "", "Azure Blob endpoint ("+bulkscan.DefaultAzureEndpointHelp+")")
	persistent.String("azure-sas-token", "", "Azure SAS token")
	persistent.String("s3-access-key-id", "", "S3 access key id")
	persistent.String("s3-secret-access-key", "", "S3 secret access key")
	persistent.String("s3-session-token", "", "S3 session token")
	persistent.String("s3-region", "", "region for aws:// stores")
	persistent.String("metrics-listen", bulkscan.DefaultMetricsListen, "Prometheus listen address (empty disables)")
	persistent.String("pprof-listen", bulkscan.DefaultPprofListen, "pprof listen address (empty disables)")
	persistent.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	persistent.String("otlp-endpoint", "", "OTLP trace collector (host:port, grpc[s]://, http[s]://)")

	cmd.Flags().BoolVar(&once, "once", false, "run a single intake pass and drain processed messages, then exit")

	c.v.SetEnvPrefix("BULKSCAN")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	if err := c.v.BindPFlags(persistent); err != nil {
		panic(err)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newEnvelopeCommand(c))
	cmd.AddCommand(newQueueCommand(c))
	return cmd
}

// load reads the config file, binds every key and returns the leveled logger
// alongside the configuration.
func (c *cli) load() (pslog.Logger, bulkscan.Config, error) {
	logger := c.logger
	path, err := c.loadConfigFile()
	if err != nil {
		return nil, bulkscan.Config{}, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if path != "" {
		loggingutil.WithSubsystem(logger, "cli.config").Info("config.loaded", "path", path)
	}
	cfg, err := bindConfig(c.v)
	if err != nil {
		return nil, bulkscan.Config{}, err
	}
	return logger, cfg, nil
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := bulkscan.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func bindConfig(v *viper.Viper) (bulkscan.Config, error) {
	var cfg bulkscan.Config
	cfg.Store = v.GetString("store")
	cfg.DatabaseDriver = v.GetString("database-driver")
	cfg.DatabaseDSN = v.GetString("database-dsn")
	containers, err := bindContainers(v)
	if err != nil {
		return cfg, err
	}
	cfg.Containers = containers
	cfg.PollInterval = v.GetDuration("poll-interval")
	cfg.LeaseDuration = v.GetDuration("lease-duration")
	cfg.LeaseWatermarkTTL = v.GetDuration("lease-watermark-ttl")
	cfg.MaxRetries = v.GetInt("max-retries")
	cfg.RetryDelay = v.GetDuration("retry-delay")
	cfg.RetryZone = v.GetString("retry-zone")
	cfg.CopyTimeout = v.GetDuration("copy-timeout")
	cfg.CopyPollInterval = v.GetDuration("copy-poll-interval")
	cfg.SignatureAlgorithm = v.GetString("signature-algorithm")
	cfg.PublicKeyFile = v.GetString("public-key-file")
	if cfg.MaxZipBytes, err = parseBytes(v, "max-zip-bytes"); err != nil {
		return cfg, err
	}
	if cfg.MaxEntryBytes, err = parseBytes(v, "max-entry-bytes"); err != nil {
		return cfg, err
	}
	cfg.QueueContainer = v.GetString("queue-container")
	cfg.QueueLockDuration = v.GetDuration("queue-lock-duration")
	cfg.MaxDeliveryCount = v.GetInt("max-delivery-count")
	cfg.NotificationPollInterval = v.GetDuration("notification-poll-interval")
	cfg.RedeliveryDelay = v.GetDuration("redelivery-delay")
	cfg.EnvelopesQueue = v.GetString("envelopes-queue")
	cfg.ProcessedQueue = v.GetString("processed-queue")
	cfg.DocumentsContainer = v.GetString("documents-container")
	cfg.DocumentsBaseURL = v.GetString("documents-base-url")
	cfg.DisableUpload = v.GetBool("disable-upload")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-max-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.AzureAccount = v.GetString("azure-account")
	cfg.AzureAccountKey = v.GetString("azure-key")
	cfg.AzureEndpoint = v.GetString("azure-endpoint")
	cfg.AzureSASToken = v.GetString("azure-sas-token")
	cfg.S3AccessKeyID = v.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.S3SessionToken = v.GetString("s3-session-token")
	cfg.S3Region = v.GetString("s3-region")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	return cfg, nil
}

func parseBytes(v *viper.Viper, key string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(size), nil
}

// containerRule mirrors envelope.ContainerRule with an optional enabled flag;
// YAML rules that omit it are enabled.
type containerRule struct {
	Container    string   `yaml:"container" mapstructure:"container"`
	Jurisdiction string   `yaml:"jurisdiction,omitempty" mapstructure:"jurisdiction"`
	PoBoxes      []string `yaml:"po_boxes,omitempty" mapstructure:"po_boxes"`
	Enabled      *bool    `yaml:"enabled,omitempty" mapstructure:"enabled"`
}

// bindContainers accepts either a YAML list of rules or name specs from flags
// and the environment.
func bindContainers(v *viper.Viper) ([]envelope.ContainerRule, error) {
	switch raw := v.Get("containers").(type) {
	case nil:
		return nil, nil
	case string:
		return parseContainerSpecs(strings.Split(raw, ","))
	case []string:
		return parseContainerSpecs(raw)
	case []any:
		specs := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				specs = nil
				break
			}
			specs = append(specs, s)
		}
		if specs != nil {
			return parseContainerSpecs(specs)
		}
		var rules []containerRule
		if err := v.UnmarshalKey("containers", &rules); err != nil {
			return nil, fmt.Errorf("parse containers: %w", err)
		}
		out := make([]envelope.ContainerRule, 0, len(rules))
		for _, r := range rules {
			out = append(out, envelope.ContainerRule{
				Container:    r.Container,
				Jurisdiction: r.Jurisdiction,
				PoBoxes:      r.PoBoxes,
				Enabled:      r.Enabled == nil || *r.Enabled,
			})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parse containers: unsupported value %T", raw)
	}
}

func defaultContainerSpecs() []string {
	var specs []string
	for _, rule := range bulkscan.DefaultConfig().Containers {
		specs = append(specs, rule.Container)
	}
	return specs
}

// parseContainerSpecs reads name[:jurisdiction[:pobox|pobox]] entries.
func parseContainerSpecs(specs []string) ([]envelope.ContainerRule, error) {
	out := make([]envelope.ContainerRule, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		parts := strings.Split(spec, ":")
		if len(parts) > 3 {
			return nil, fmt.Errorf("parse containers: %q has too many fields", spec)
		}
		rule := envelope.ContainerRule{Container: strings.TrimSpace(parts[0]), Enabled: true}
		if len(parts) > 1 {
			rule.Jurisdiction = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			for _, box := range strings.Split(parts[2], "|") {
				if box = strings.TrimSpace(box); box != "" {
					rule.PoBoxes = append(rule.PoBoxes, box)
				}
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

func printSummaries(w io.Writer, summaries []pipeline.Summary, settled int) error {
	outcomes := []pipeline.Outcome{
		pipeline.OutcomeProcessed,
		pipeline.OutcomeRejected,
		pipeline.OutcomeDuplicate,
		pipeline.OutcomeDeferred,
		pipeline.OutcomeSkipped,
		pipeline.OutcomeFailed,
	}
	headers := []string{"CONTAINER"}
	aligns := []columnAlignment{alignLeft}
	for _, o := range outcomes {
		headers = append(headers, strings.ToUpper(string(o)))
		aligns = append(aligns, alignRight)
	}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		row := []string{s.Container}
		for _, o := range outcomes {
			row = append(row, fmt.Sprint(s.Counts[o]))
		}
		rows = append(rows, row)
	}
	if _, err := fmt.Fprintln(w, renderTable(headers, rows, aligns)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "processed messages settled: %d\n", settled)
	return err
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
