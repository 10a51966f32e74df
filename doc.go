// Package bulkscan is the intake side of the bulk-scan pipeline. Scanning
// suppliers drop zip archives into blob containers; the processor claims
// each archive fleet-wide, verifies and unpacks it, records an envelope and
// its audit trail in a relational store, uploads the PDFs, announces the
// envelope on a queue and finally deletes the archive. Archives that fail
// validation are moved to the container's "-rejected" counterpart.
//
// # Running a processor
//
//	cfg := bulkscan.Config{
//	    Store:          "azure://bulkscanstore",
//	    DatabaseDriver: "postgres",
//	    DatabaseDSN:    "postgres://bulkscan@db/bulkscan?sslmode=disable",
//	    Containers: []envelope.ContainerRule{
//	        {Container: "sscs", Jurisdiction: "SSCS", Enabled: true},
//	    },
//	}
//	proc, err := bulkscan.New(cfg, bulkscan.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer proc.Close()
//	if err := proc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Run creates the schema and containers, then polls every enabled container
// at PollInterval and consumes processed messages from ProcessedQueue until
// the context is cancelled. RunOnce performs a single pass, which is what the
// `bulkscan --once` flag uses.
//
// # Stores
//
// Config.Store selects the blob backend:
//
//   - mem:// keeps everything in process memory (tests and local runs).
//   - s3://host[:port]/bucket[/prefix] targets S3-compatible services such as
//     MinIO; ?insecure=1 disables TLS and ?path-style=1 forces path-style
//     addressing.
//   - aws://bucket[/prefix] targets AWS S3 through the AWS SDK (?region=
//     overrides the region, ?endpoint= targets an S3-compatible service).
//   - azure://account[/prefix] targets Azure Blob Storage; credentials come
//     from the config or AZURE_STORAGE_* variables.
//
// Every backend is wrapped with transient retries and OpenTelemetry spans.
//
// # Telemetry
//
// MetricsListen serves Prometheus metrics on /metrics and a readiness check
// on /healthz. OTLPEndpoint exports traces over gRPC (host:port or
// grpc[s]://) or HTTP (http[s]://).
package bulkscan
