// Package ingest pulls a guild's combat reports page by page and stores the
// fights they contain.
package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/guild-tracker/internal/adapter"
	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/queue"
	"github.com/guild-tracker/internal/worker"
)

// ReportSource lists a guild's reports one page at a time
type ReportSource interface {
	FetchGuildReports(ctx context.Context, guild adapter.GuildRef, page int) (*adapter.ReportPage, error)
}

// FightSink stores raw fights and returns how many were written
type FightSink interface {
	SaveFights(ctx context.Context, fights []models.Fight) (int, error)
}

// IconResolver resolves boss names to local icon references
type IconResolver interface {
	ResolveMany(ctx context.Context, names []string) (map[string]string, error)
}

// ReportProcessor is the worker.Processor that ingests one guild
type ReportProcessor struct {
	reports ReportSource
	fights  FightSink
	icons   IconResolver
	logger  *logging.Logger
}

// NewReportProcessor creates a processor. icons may be nil.
func NewReportProcessor(reports ReportSource, fights FightSink, icons IconResolver, logger *logging.Logger) *ReportProcessor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ReportProcessor{
		reports: reports,
		fights:  fights,
		icons:   icons,
		logger:  logger.Named("ingest"),
	}
}

var _ worker.Processor = (*ReportProcessor)(nil)

// Process resumes after the last page the entry recorded and reports
// cumulative totals after every page.
func (p *ReportProcessor) Process(ctx context.Context, entry *models.QueueEntry, progress worker.ProgressFunc) error {
	logger := p.logger.WithFields(map[string]interface{}{
		"guildId": entry.GuildID,
		"guild":   entry.Name,
	})

	guild := adapter.GuildRef{ID: entry.GuildID, Name: entry.Name, Realm: entry.Realm, Region: entry.Region}

	var fetched, saved int
	page := 1
	if entry.Progress.CurrentPage > 0 {
		page = entry.Progress.CurrentPage + 1
		fetched = entry.Progress.ReportsFetched
		saved = entry.Progress.FightsSaved
		logger.WithField("page", page).Info("Resuming guild ingestion")
	}

	seenBosses := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rp, err := p.reports.FetchGuildReports(ctx, guild, page)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}

		var fights []models.Fight
		for _, r := range rp.Reports {
			fights = append(fights, r.Fights...)
		}
		if len(fights) > 0 {
			n, err := p.fights.SaveFights(ctx, fights)
			if err != nil {
				return apperrors.NewDatabaseError(fmt.Sprintf("save fights for page %d", page), err)
			}
			saved += n
		}
		fetched += len(rp.Reports)

		p.resolveIcons(ctx, logger, fights, seenBosses)

		if err := progress(ctx, queue.ProgressUpdate{
			ReportsFetched: fetched,
			FightsSaved:    saved,
			CurrentPage:    page,
			TotalEstimate:  rp.Total,
		}); err != nil {
			return err
		}

		logger.WithFields(map[string]interface{}{
			"page":           page,
			"lastPage":       rp.LastPage,
			"reportsFetched": fetched,
			"fightsSaved":    saved,
		}).Debug("Ingested report page")

		if !rp.HasMorePages || len(rp.Reports) == 0 {
			return nil
		}
		page++
	}
}

// resolveIcons warms the icon cache for bosses first seen on this page.
// Failures are logged and never fail ingestion.
func (p *ReportProcessor) resolveIcons(ctx context.Context, logger *logging.Logger, fights []models.Fight, seen map[string]bool) {
	if p.icons == nil {
		return
	}

	var names []string
	for _, f := range fights {
		if f.BossName == "" || seen[f.BossName] {
			continue
		}
		seen[f.BossName] = true
		names = append(names, f.BossName)
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)

	refs, err := p.icons.ResolveMany(ctx, names)
	if err != nil {
		logger.WithError(err).WithField("bosses", len(names)).Warn("Icon resolution failed for some bosses")
	}
	missing := 0
	for _, name := range names {
		if refs[name] == "" {
			missing++
		}
	}
	if missing > 0 {
		logger.WithField("missing", missing).Debug("Bosses without an icon")
	}
}
