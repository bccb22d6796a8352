package models

import "time"

// Fight is a raw encounter pull taken from a guild report.
// Fights are stored as-is; turning them into boss-kill statistics happens elsewhere.
type Fight struct {
	GuildID     string    `json:"guildId" ch:"guild_id"`
	ReportCode  string    `json:"reportCode" ch:"report_code"`
	FightID     int       `json:"fightId" ch:"fight_id"`
	EncounterID int       `json:"encounterId" ch:"encounter_id"`
	BossName    string    `json:"bossName" ch:"boss_name"`
	ZoneName    string    `json:"zoneName" ch:"zone_name"`
	Difficulty  int       `json:"difficulty" ch:"difficulty"`
	Kill        bool      `json:"kill" ch:"kill"`
	StartedAt   time.Time `json:"startedAt" ch:"started_at"`
	EndedAt     time.Time `json:"endedAt" ch:"ended_at"`
}
