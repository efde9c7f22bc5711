package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

const sampleColumns = `id, sampled_at, cpu_load, ram_free, swap_free, disk_free, net_bytes_in, net_bytes_out, temperatures`

// Store keeps health samples in core_health_sample
type Store struct {
	db *sql.DB
}

// NewStore creates a sample store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts a sample and fills its ID
func (s *Store) Save(ctx context.Context, sample *Sample) error {
	disks, err := json.Marshal(nonNil(sample.DiskFree))
	if err != nil {
		return fmt.Errorf("failed to encode disk usage: %w", err)
	}
	temps, err := json.Marshal(nonNilTemps(sample.Temperatures))
	if err != nil {
		return fmt.Errorf("failed to encode temperatures: %w", err)
	}
	err = storage.Querier(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO core_health_sample (sampled_at, cpu_load, ram_free, swap_free, disk_free, net_bytes_in, net_bytes_out, temperatures)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		sample.SampledAt.UTC(), sample.CPULoad, int64(sample.RAMFree), int64(sample.SwapFree),
		string(disks), int64(sample.NetBytesIn), int64(sample.NetBytesOut), string(temps),
	).Scan(&sample.ID)
	if err != nil {
		return storage.MapError(err, "health sample")
	}
	return nil
}

// Latest returns the most recent sample
func (s *Store) Latest(ctx context.Context) (*Sample, error) {
	row := storage.Querier(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+sampleColumns+` FROM core_health_sample ORDER BY sampled_at DESC, id DESC LIMIT 1`)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("no health sample taken yet")
	}
	return sample, err
}

// Since returns samples taken at or after from, oldest first
func (s *Store) Since(ctx context.Context, from time.Time) ([]*Sample, error) {
	rows, err := storage.Querier(ctx, s.db).QueryContext(ctx,
		`SELECT `+sampleColumns+` FROM core_health_sample WHERE sampled_at >= $1 ORDER BY sampled_at, id`, from.UTC())
	if err != nil {
		return nil, storage.MapError(err, "health sample")
	}
	defer rows.Close()

	var out []*Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// Purge deletes samples taken before the cut-off
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := storage.Querier(ctx, s.db).ExecContext(ctx,
		`DELETE FROM core_health_sample WHERE sampled_at < $1`, before.UTC())
	if err != nil {
		return 0, storage.MapError(err, "health sample")
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSample(row scanner) (*Sample, error) {
	var (
		sample            Sample
		ramFree, swapFree int64
		netIn, netOut     int64
		disks, temps      []byte
	)
	if err := row.Scan(&sample.ID, &sample.SampledAt, &sample.CPULoad, &ramFree, &swapFree,
		&disks, &netIn, &netOut, &temps); err != nil {
		return nil, err
	}
	sample.SampledAt = sample.SampledAt.UTC()
	sample.RAMFree, sample.SwapFree = uint64(ramFree), uint64(swapFree)
	sample.NetBytesIn, sample.NetBytesOut = uint64(netIn), uint64(netOut)
	if err := json.Unmarshal(disks, &sample.DiskFree); err != nil {
		return nil, fmt.Errorf("failed to decode disk usage of sample %d: %w", sample.ID, err)
	}
	if err := json.Unmarshal(temps, &sample.Temperatures); err != nil {
		return nil, fmt.Errorf("failed to decode temperatures of sample %d: %w", sample.ID, err)
	}
	return &sample, nil
}

func nonNil(m map[string]uint64) map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	return m
}

func nonNilTemps(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// FreshnessCheck fails while no sample is younger than maxAge, which means
// the sampler is not running
func FreshnessCheck(store *Store, maxAge time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		latest, err := store.Latest(ctx)
		if err != nil {
			return fmt.Errorf("no health sample: %w", err)
		}
		if age := time.Since(latest.SampledAt); age > maxAge {
			return fmt.Errorf("latest health sample is %s old", age.Round(time.Second))
		}
		return nil
	}
}
