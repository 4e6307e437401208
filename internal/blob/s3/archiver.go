package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// multipartThreshold is the payload size above which uploads go multipart.
const multipartThreshold = 16 * 1024 * 1024

// SnapshotSource is the read model being archived.
type SnapshotSource interface {
	GetAllListings(ctx context.Context) []domain.Listing
	GetAllOrders(ctx context.Context) []domain.Order
	GetAllDisputes(ctx context.Context) []domain.Dispute
}

// Manifest describes one uploaded snapshot.
type Manifest struct {
	TakenAt time.Time         `json:"taken_at"`
	Prefix  string            `json:"prefix"`
	Files   map[string]string `json:"files"`
	Counts  map[string]int    `json:"counts"`
}

// Archiver writes point-in-time JSONL snapshots of the read model to blob
// storage under {prefix}/YYYY/MM/DD/HHMMSS/.
type Archiver struct {
	writer domain.BlobWriter
	source SnapshotSource
	audit  domain.AuditStore
	prefix string
	logger *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, source SnapshotSource, audit domain.AuditStore, prefix string, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		source: source,
		audit:  audit,
		prefix: prefix,
		logger: logger.With(slog.String("component", "snapshot_archiver")),
	}
}

// Snapshot uploads every entity kind and then the manifest. The manifest is
// written last, so its presence marks a complete snapshot.
func (a *Archiver) Snapshot(ctx context.Context, at time.Time) (Manifest, error) {
	at = at.UTC()
	m := Manifest{
		TakenAt: at,
		Prefix:  path.Join(a.prefix, at.Format("2006/01/02/150405")),
		Files:   make(map[string]string, 3),
		Counts:  make(map[string]int, 3),
	}

	if err := upload(ctx, a, &m, domain.KindListing, a.source.GetAllListings(ctx)); err != nil {
		return m, err
	}
	if err := upload(ctx, a, &m, domain.KindOrder, a.source.GetAllOrders(ctx)); err != nil {
		return m, err
	}
	if err := upload(ctx, a, &m, domain.KindDispute, a.source.GetAllDisputes(ctx)); err != nil {
		return m, err
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, fmt.Errorf("s3blob: marshal manifest: %w", err)
	}
	manifest := path.Join(m.Prefix, "manifest.json")
	if err := a.writer.Put(ctx, manifest, bytes.NewReader(body), "application/json"); err != nil {
		return m, fmt.Errorf("s3blob: upload manifest: %w", err)
	}

	a.logger.InfoContext(ctx, "snapshot archived",
		slog.String("prefix", m.Prefix),
		slog.Int("listings", m.Counts[string(domain.KindListing)]),
		slog.Int("orders", m.Counts[string(domain.KindOrder)]),
		slog.Int("disputes", m.Counts[string(domain.KindDispute)]),
	)
	if a.audit != nil {
		detail := map[string]any{"prefix": m.Prefix}
		for k, n := range m.Counts {
			detail[k] = n
		}
		if err := a.audit.Log(ctx, "archive.snapshot", detail); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return m, nil
}

func upload[T any](ctx context.Context, a *Archiver, m *Manifest, kind domain.EntityKind, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s snapshot: %w", kind, err)
	}
	key := path.Join(m.Prefix, string(kind)+"s.jsonl")
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("s3blob: upload %s snapshot: %w", kind, err)
	}
	m.Files[string(kind)] = key
	m.Counts[string(kind)] = len(records)
	return nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
