package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/guild-tracker/internal/models"
)

// FightRepository appends raw fight records to ClickHouse. The table is a
// ReplacingMergeTree keyed by (guild_id, report_code, fight_id), so pages
// re-ingested after a retry collapse into one row per fight.
type FightRepository struct {
	db  *ClickHouseDB
	now func() time.Time
}

// NewFightRepository creates a new fight repository
func NewFightRepository(db *ClickHouseDB) *FightRepository {
	return &FightRepository{db: db, now: time.Now}
}

// SaveFights writes fights in one batch and returns how many were sent
func (r *FightRepository) SaveFights(ctx context.Context, fights []models.Fight) (int, error) {
	if len(fights) == 0 {
		return 0, nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO fights (
			guild_id, report_code, fight_id, encounter_id, boss_name, zone_name,
			difficulty, kill, started_at, ended_at, ingested_at
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch: %w", err)
	}

	ingestedAt := r.now().UTC()
	for _, f := range fights {
		err := batch.Append(
			f.GuildID,
			f.ReportCode,
			int32(f.FightID),     // #nosec G115 - fight ids are small report-local counters
			int32(f.EncounterID), // #nosec G115 - encounter ids fit in 32 bits
			f.BossName,
			f.ZoneName,
			int32(f.Difficulty), // #nosec G115
			f.Kill,
			f.StartedAt.UTC(),
			f.EndedAt.UTC(),
			ingestedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to append fight %s/%d to batch: %w", f.ReportCode, f.FightID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch: %w", err)
	}
	return len(fights), nil
}

// CountByGuild returns the number of distinct fights stored for a guild
func (r *FightRepository) CountByGuild(ctx context.Context, guildID string) (uint64, error) {
	var count uint64
	err := r.db.Conn().QueryRow(ctx, `
		SELECT count() FROM fights FINAL WHERE guild_id = ?
	`, guildID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fights for guild %s: %w", guildID, err)
	}
	return count, nil
}
