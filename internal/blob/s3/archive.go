package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// EventSnapshotArchived is the audit event recorded for each upload.
const EventSnapshotArchived = "snapshot_archived"

type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

type blobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// ArchiveConfig controls snapshot layout and retention.
type ArchiveConfig struct {
	// Prefix is the key prefix of every snapshot, default "snapshots".
	Prefix string
	// Keep is how many snapshots to retain; zero keeps all of them.
	Keep int
	// MultipartThreshold switches uploads above this size to the multipart
	// uploader.
	MultipartThreshold int64
	PartSize           int64
}

// Snapshot is the archived result of one full recompute.
type Snapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	LotCount    int           `json:"lot_count"`
	Lots        []SnapshotLot `json:"lots"`
}

// SnapshotLot is the archived form of a lot suggestion.
type SnapshotLot struct {
	Name              string              `json:"name"`
	Strategy          string              `json:"strategy"`
	Members           []string            `json:"members"`
	IndividualValue   decimal.Decimal     `json:"individual_value"`
	EstimatedValue    decimal.Decimal     `json:"estimated_value"`
	MarketValue       decimal.NullDecimal `json:"market_value"`
	PerBookPrice      decimal.NullDecimal `json:"per_book_price"`
	OptimalSize       int                 `json:"optimal_size"`
	ComparableCount   int                 `json:"comparable_count"`
	UsedMarketPricing bool                `json:"used_market_pricing"`
	Probability       float64             `json:"probability"`
	ProbabilityLabel  string              `json:"probability_label"`
	Justification     []string            `json:"justification"`
}

// SnapshotArchive stores full-batch results as JSON objects laid out as
// <prefix>/YYYY/MM/DD/<uuid>.json.
type SnapshotArchive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	cfg    ArchiveConfig
	logger *slog.Logger
}

// NewSnapshotArchive creates a SnapshotArchive. reader and audit may be nil;
// without a reader snapshots can be written but not listed or pruned.
func NewSnapshotArchive(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, cfg ArchiveConfig, logger *slog.Logger) *SnapshotArchive {
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = "snapshots"
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 16 << 20
	}
	return &SnapshotArchive{
		writer: writer,
		reader: reader,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "snapshot_archive")),
	}
}

// ArchiveSnapshot uploads lots and returns the object path.
func (a *SnapshotArchive) ArchiveSnapshot(ctx context.Context, generatedAt time.Time, lots []domain.LotSuggestion) (string, error) {
	generatedAt = generatedAt.UTC()
	snap := Snapshot{GeneratedAt: generatedAt, LotCount: len(lots), Lots: make([]SnapshotLot, 0, len(lots))}
	for _, lot := range lots {
		snap.Lots = append(snap.Lots, toSnapshotLot(lot))
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal snapshot: %w", err)
	}

	path := fmt.Sprintf("%s/%s/%s.json", a.cfg.Prefix, generatedAt.Format("2006/01/02"), uuid.NewString())
	if err := a.put(ctx, path, data); err != nil {
		return "", err
	}

	a.logger.Info("snapshot archived",
		slog.String("path", path),
		slog.Int("lots", len(lots)),
		slog.Int("bytes", len(data)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, EventSnapshotArchived, map[string]any{
			"path":  path,
			"lots":  len(lots),
			"bytes": len(data),
		}); err != nil {
			a.logger.Warn("audit snapshot failed", slog.String("error", err.Error()))
		}
	}

	if a.cfg.Keep > 0 {
		a.prune(ctx)
	}
	return path, nil
}

func (a *SnapshotArchive) put(ctx context.Context, path string, data []byte) error {
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(data)) > a.cfg.MultipartThreshold {
		if err := mw.PutMultipart(ctx, path, bytes.NewReader(data), "application/json", a.cfg.PartSize); err != nil {
			return fmt.Errorf("s3blob: archive snapshot: %w", err)
		}
		return nil
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns archived snapshots, newest first.
func (a *SnapshotArchive) ListSnapshots(ctx context.Context) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: list snapshots: no reader configured")
	}
	infos, err := a.reader.List(ctx, a.cfg.Prefix+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].LastModified.Equal(infos[j].LastModified) {
			return infos[i].LastModified.After(infos[j].LastModified)
		}
		return infos[i].Path > infos[j].Path
	})
	return infos, nil
}

// LoadSnapshot reads one archived snapshot. Paths outside the snapshot
// prefix are reported as domain.ErrNotFound.
func (a *SnapshotArchive) LoadSnapshot(ctx context.Context, path string) (*Snapshot, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: load snapshot: no reader configured")
	}
	if !strings.HasPrefix(path, a.cfg.Prefix+"/") || strings.Contains(path, "..") {
		return nil, fmt.Errorf("s3blob: load snapshot %s: %w", path, domain.ErrNotFound)
	}

	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var snap Snapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("s3blob: decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// prune deletes the oldest snapshots beyond the retention count. Failures
// are logged and left for the next run.
func (a *SnapshotArchive) prune(ctx context.Context) {
	deleter, ok := a.reader.(blobDeleter)
	if !ok {
		return
	}
	infos, err := a.ListSnapshots(ctx)
	if err != nil {
		a.logger.Warn("list snapshots for pruning failed", slog.String("error", err.Error()))
		return
	}
	if len(infos) <= a.cfg.Keep {
		return
	}
	for _, info := range infos[a.cfg.Keep:] {
		if err := deleter.Delete(ctx, info.Path); err != nil {
			a.logger.Warn("delete old snapshot failed",
				slog.String("path", info.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.Debug("old snapshot deleted", slog.String("path", info.Path))
	}
}

func toSnapshotLot(lot domain.LotSuggestion) SnapshotLot {
	return SnapshotLot{
		Name:              lot.Name,
		Strategy:          lot.Strategy.String(),
		Members:           lot.Members,
		IndividualValue:   lot.IndividualValue,
		EstimatedValue:    lot.EstimatedValue,
		MarketValue:       lot.MarketValue,
		PerBookPrice:      lot.PerBookPrice,
		OptimalSize:       lot.OptimalSize,
		ComparableCount:   lot.ComparableCount,
		UsedMarketPricing: lot.UsedMarketPricing,
		Probability:       lot.Probability,
		ProbabilityLabel:  lot.ProbabilityLabel,
		Justification:     lot.Justification,
	}
}
