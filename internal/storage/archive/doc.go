// Package archive exports window snapshots to Parquet files and reads them
// back.
//
// Files live under <dir>/<topic>/<topic>-<unix ms>.parquet. Column names
// match the row fields (id, timestamp, then the topic's numeric fields),
// so the repository can query the archive with read_parquet and an
// Archive can serve as the bulk-load Source when no database is
// configured.
package archive
