package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hmcts/bulk-scan-processor-sub002"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage bulkscan configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.bulkscan/config.yaml"
	if path, err := bulkscan.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default bulkscan configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := bulkscan.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                    string          `yaml:"store"`
	DatabaseDriver           string          `yaml:"database-driver"`
	DatabaseDSN              string          `yaml:"database-dsn"`
	Containers               []containerRule `yaml:"containers"`
	PollInterval             string          `yaml:"poll-interval"`
	LeaseDuration            string          `yaml:"lease-duration"`
	LeaseWatermarkTTL        string          `yaml:"lease-watermark-ttl"`
	MaxRetries               int             `yaml:"max-retries"`
	RetryDelay               string          `yaml:"retry-delay"`
	RetryZone                string          `yaml:"retry-zone"`
	CopyTimeout              string          `yaml:"copy-timeout"`
	CopyPollInterval         string          `yaml:"copy-poll-interval"`
	SignatureAlgorithm       string          `yaml:"signature-algorithm"`
	PublicKeyFile            string          `yaml:"public-key-file"`
	MaxZipBytes              string          `yaml:"max-zip-bytes"`
	MaxEntryBytes            string          `yaml:"max-entry-bytes"`
	QueueContainer           string          `yaml:"queue-container"`
	QueueLockDuration        string          `yaml:"queue-lock-duration"`
	MaxDeliveryCount         int             `yaml:"max-delivery-count"`
	NotificationPollInterval string          `yaml:"notification-poll-interval"`
	RedeliveryDelay          string          `yaml:"redelivery-delay"`
	EnvelopesQueue           string          `yaml:"envelopes-queue"`
	ProcessedQueue           string          `yaml:"processed-queue"`
	DocumentsContainer       string          `yaml:"documents-container"`
	DocumentsBaseURL         string          `yaml:"documents-base-url"`
	DisableUpload            bool            `yaml:"disable-upload"`
	StorageRetryMaxAttempts  int             `yaml:"storage-retry-max-attempts"`
	StorageRetryBaseDelay    string          `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay     string          `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier   float64         `yaml:"storage-retry-multiplier"`
	AzureAccount             string          `yaml:"azure-account"`
	AzureEndpoint            string          `yaml:"azure-endpoint"`
	S3Region                 string          `yaml:"s3-region"`
	MetricsListen            string          `yaml:"metrics-listen"`
	PprofListen              string          `yaml:"pprof-listen"`
	EnableProfilingMetrics   bool            `yaml:"enable-profiling-metrics"`
	OTLPEndpoint             string          `yaml:"otlp-endpoint"`
	LogLevel                 string          `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := bulkscan.DefaultConfig()
	containers := make([]containerRule, 0, len(cfg.Containers))
	for _, rule := range cfg.Containers {
		containers = append(containers, containerRule{
			Container:    rule.Container,
			Jurisdiction: rule.Jurisdiction,
			PoBoxes:      rule.PoBoxes,
		})
	}
	defaults := configDefaults{
		Store:                    cfg.Store,
		DatabaseDriver:           cfg.DatabaseDriver,
		DatabaseDSN:              cfg.DatabaseDSN,
		Containers:               containers,
		PollInterval:             cfg.PollInterval.String(),
		LeaseDuration:            cfg.LeaseDuration.String(),
		LeaseWatermarkTTL:        cfg.LeaseWatermarkTTL.String(),
		MaxRetries:               cfg.MaxRetries,
		RetryDelay:               cfg.RetryDelay.String(),
		RetryZone:                cfg.RetryZone,
		CopyTimeout:              cfg.CopyTimeout.String(),
		CopyPollInterval:         cfg.CopyPollInterval.String(),
		SignatureAlgorithm:       cfg.SignatureAlgorithm,
		MaxZipBytes:              humanizeBytes(cfg.MaxZipBytes),
		MaxEntryBytes:            humanizeBytes(cfg.MaxEntryBytes),
		QueueContainer:           cfg.QueueContainer,
		QueueLockDuration:        cfg.QueueLockDuration.String(),
		MaxDeliveryCount:         cfg.MaxDeliveryCount,
		NotificationPollInterval: cfg.NotificationPollInterval.String(),
		RedeliveryDelay:          cfg.RedeliveryDelay.String(),
		EnvelopesQueue:           cfg.EnvelopesQueue,
		ProcessedQueue:           cfg.ProcessedQueue,
		DocumentsContainer:       cfg.DocumentsContainer,
		StorageRetryMaxAttempts:  cfg.StorageRetryMaxAttempts,
		StorageRetryBaseDelay:    cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:     cfg.StorageRetryMaxDelay.String(),
		StorageRetryMultiplier:   cfg.StorageRetryMultiplier,
		MetricsListen:            cfg.MetricsListen,
		PprofListen:              cfg.PprofListen,
		LogLevel:                 "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
