package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/types"
)

// ServiceWarcraftLogs names the Warcraft Logs v2 API
const ServiceWarcraftLogs = "warcraftlogs"

const guildReportsQuery = `query GuildReports($guildName: String!, $serverSlug: String!, $serverRegion: String!, $page: Int!, $limit: Int!) {
  reportData {
    reports(guildName: $guildName, guildServerSlug: $serverSlug, guildServerRegion: $serverRegion, page: $page, limit: $limit) {
      total
      current_page
      last_page
      has_more_pages
      data {
        code
        title
        startTime
        endTime
        zone { name }
        fights { id encounterID name difficulty kill startTime endTime }
      }
    }
  }
}`

// GuildRef identifies a guild upstream
type GuildRef struct {
	ID     string
	Name   string
	Realm  string
	Region types.Region
}

// Report is one uploaded combat log with its boss fights
type Report struct {
	Code      string
	Title     string
	Zone      string
	StartedAt time.Time
	EndedAt   time.Time
	Fights    []models.Fight
}

// ReportPage is one page of a guild's report listing
type ReportPage struct {
	Reports      []Report
	Total        int
	CurrentPage  int
	LastPage     int
	HasMorePages bool
}

// WarcraftLogsClient pages through a guild's reports via the GraphQL API
type WarcraftLogsClient struct {
	exec     *Executor
	apiURL   string
	pageSize int
}

// NewWarcraftLogsClient creates a client for the v2 client API endpoint
func NewWarcraftLogsClient(exec *Executor, apiURL string, pageSize int) *WarcraftLogsClient {
	if pageSize <= 0 {
		pageSize = 25
	}
	return &WarcraftLogsClient{exec: exec, apiURL: apiURL, pageSize: pageSize}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type wclFight struct {
	ID          int    `json:"id"`
	EncounterID int    `json:"encounterID"`
	Name        string `json:"name"`
	Difficulty  int    `json:"difficulty"`
	Kill        bool   `json:"kill"`
	StartTime   int64  `json:"startTime"`
	EndTime     int64  `json:"endTime"`
}

type guildReportsResponse struct {
	Data struct {
		ReportData struct {
			Reports *struct {
				Total        int  `json:"total"`
				CurrentPage  int  `json:"current_page"`
				LastPage     int  `json:"last_page"`
				HasMorePages bool `json:"has_more_pages"`
				Data         []struct {
					Code      string `json:"code"`
					Title     string `json:"title"`
					StartTime int64  `json:"startTime"`
					EndTime   int64  `json:"endTime"`
					Zone      *struct {
						Name string `json:"name"`
					} `json:"zone"`
					Fights []wclFight `json:"fights"`
				} `json:"data"`
			} `json:"reports"`
		} `json:"reportData"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// FetchGuildReports returns one page (1-based) of the guild's reports.
// A guild unknown upstream yields ErrGuildNotFound.
func (c *WarcraftLogsClient) FetchGuildReports(ctx context.Context, guild GuildRef, page int) (*ReportPage, error) {
	payload, err := json.Marshal(graphQLRequest{
		Query: guildReportsQuery,
		Variables: map[string]interface{}{
			"guildName":    guild.Name,
			"serverSlug":   RealmSlug(guild.Realm),
			"serverRegion": string(guild.Region),
			"page":         page,
			"limit":        c.pageSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	var resp guildReportsResponse
	if err := c.exec.Execute(ctx, &Request{Method: http.MethodPost, URL: c.apiURL, Body: payload}, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch reports for %s-%s: %w", guild.Name, guild.Realm, err)
	}

	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if isGuildMissing(e.Message) {
				return nil, fmt.Errorf("%s-%s (%s): %w", guild.Name, guild.Realm, guild.Region, apperrors.ErrGuildNotFound)
			}
			msgs = append(msgs, e.Message)
		}
		return nil, &apperrors.UpstreamError{
			Service:    ServiceWarcraftLogs,
			StatusCode: http.StatusOK,
			Body:       strings.Join(msgs, "; "),
		}
	}

	reports := resp.Data.ReportData.Reports
	if reports == nil {
		return nil, fmt.Errorf("%s-%s (%s): %w", guild.Name, guild.Realm, guild.Region, apperrors.ErrGuildNotFound)
	}

	out := &ReportPage{
		Total:        reports.Total,
		CurrentPage:  reports.CurrentPage,
		LastPage:     reports.LastPage,
		HasMorePages: reports.HasMorePages,
		Reports:      make([]Report, 0, len(reports.Data)),
	}
	for _, r := range reports.Data {
		start := time.UnixMilli(r.StartTime).UTC()
		report := Report{
			Code:      r.Code,
			Title:     r.Title,
			StartedAt: start,
			EndedAt:   time.UnixMilli(r.EndTime).UTC(),
		}
		if r.Zone != nil {
			report.Zone = r.Zone.Name
		}
		for _, f := range r.Fights {
			// trash pulls carry no encounter id
			if f.EncounterID == 0 {
				continue
			}
			report.Fights = append(report.Fights, models.Fight{
				GuildID:     guild.ID,
				ReportCode:  r.Code,
				FightID:     f.ID,
				EncounterID: f.EncounterID,
				BossName:    f.Name,
				ZoneName:    report.Zone,
				Difficulty:  f.Difficulty,
				Kill:        f.Kill,
				StartedAt:   start.Add(time.Duration(f.StartTime) * time.Millisecond),
				EndedAt:     start.Add(time.Duration(f.EndTime) * time.Millisecond),
			})
		}
		out.Reports = append(out.Reports, report)
	}
	return out, nil
}

func isGuildMissing(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no guild exists") || strings.Contains(msg, "guild not found")
}

// RealmSlug converts a display realm name into the upstream slug ("Area 52" -> "area-52")
func RealmSlug(realm string) string {
	realm = strings.ToLower(strings.TrimSpace(realm))
	realm = strings.NewReplacer("'", "", "’", "").Replace(realm)
	return strings.Join(strings.Fields(realm), "-")
}
