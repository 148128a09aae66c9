// Package hfdataset exposes a dataset made of heterogeneous files as one
// lazily produced, ordered stream of records.
//
// A dataset snapshot is materialized on local disk by a fetch backend
// (Hugging Face Hub, S3, GCS or a plain directory). Its files are
// classified by extension into three logical types:
//
//   - columnar: Parquet, Arrow IPC (.arrow, .feather) and Avro containers
//   - delimited text: CSV and TSV with a header row
//   - line JSON: .jsonl and .ndjson
//
// Text files may carry a compression suffix (.gz, .zst, .lz4, .sz, .s2)
// and are decompressed on the fly. Compressed columnar files are rejected.
//
// # Quick Start
//
//	s, err := dataset.Create(ctx, "org/name", dataset.WithRevision("main"))
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	seq, err := s.Iterate(ctx)
//	if err != nil {
//	    return err
//	}
//	for rec, err := range seq {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(rec.Metadata.Source, rec.Data)
//	}
//
// Files are visited in lexicographic path order, one at a time. Breaking
// out of the loop closes the file being read. The sequence can be ranged
// again to start a new pass.
//
// # Key Packages
//
//	pkg/dataset      - Session lifecycle, file registry and dispatch
//	pkg/formats      - Classification and the per-format record adapters
//	pkg/compression  - Suffix table and lazy decompressing readers
//	pkg/hub          - Snapshot fetch backends and the on-disk cache layout
//	pkg/config       - YAML configuration with ${VAR_NAME} substitution
//	pkg/hferrors     - Structured errors with a typed kind
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus collectors
//	pkg/observability - OpenTelemetry tracing
//
// # Command Line
//
//	hfdataset files org/name
//	hfdataset cat org/name --limit 10
//	hfdataset count org/name --backend local --local-root ./datasets
//
// Flags may also be set through HFDATASET_* environment variables. The
// access token defaults to HF_TOKEN.
package hfdataset
