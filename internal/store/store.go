package store

import (
	"context"
	"time"
)

// Store is the persistence API used by the dispatch core.
//
// All mutations are single-statement (or single-transaction) operations;
// there is no cross-entity transaction surface.
type Store interface {
	// Bots.
	InsertBot(ctx context.Context, b Bot) error
	GetBot(ctx context.Context, id string) (Bot, error)
	FindBotByFingerprint(ctx context.Context, fp string) (Bot, error)
	ListBots(ctx context.Context) ([]Bot, error)
	UpdateBotStatus(ctx context.Context, id string, status BotStatus) error
	DeleteBot(ctx context.Context, id string) error

	// Assignments.
	ActiveAssignment(ctx context.Context, guildID, userID int64) (Assignment, error)
	TouchAssignment(ctx context.Context, id int64, at time.Time) error
	PromoteFallback(ctx context.Context, id int64, newBotID string, at time.Time) error
	CountActiveAssignments(ctx context.Context, guildID int64, botID string) (int, error)
	// SupersedeAssignment atomically deactivates all rows for (guild, user)
	// and inserts a as the single active row.
	SupersedeAssignment(ctx context.Context, a Assignment) error
	DeactivateAssignments(ctx context.Context, guildID, userID int64) error
	ReassignMembers(ctx context.Context, oldBotID, newBotID string, guildID int64) (int, error)
	AssignmentLoads(ctx context.Context, guildID int64) ([]BotLoad, error)
	// DeactivateDepartedAssignments retires active assignments whose member
	// is no longer tracked and not whitelisted.
	DeactivateDepartedAssignments(ctx context.Context) (int, error)

	// Campaigns.
	InsertCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context, guildID int64, limit int) ([]Campaign, error)
	// TransitionCampaign updates status only when the current status matches
	// from; it reports ErrNotFound when the guard fails.
	TransitionCampaign(ctx context.Context, id string, from, to CampaignStatus) error
	SetCampaignStatus(ctx context.Context, id string, to CampaignStatus) error
	FinishCampaign(ctx context.Context, id string, sent, failed int) error

	// Targets.
	InsertTargets(ctx context.Context, ts []Target) error
	PendingTargets(ctx context.Context, campaignID string) ([]Target, error)
	MarkTarget(ctx context.Context, campaignID string, userID int64, status TargetStatus, lastError string) error
	IncTargetAttempts(ctx context.Context, campaignID string, userID int64) error
	TargetCounts(ctx context.Context, campaignID string) (map[TargetStatus]int, error)

	// Sends (append-only).
	AppendSend(ctx context.Context, s SendRecord) error
	PruneSends(ctx context.Context, before time.Time) (int, error)

	// Health.
	UpsertHealth(ctx context.Context, h HealthRecord) error
	GetHealth(ctx context.Context, botID string) (HealthRecord, error)
	DeleteHealth(ctx context.Context, botID string) error
	PruneHealth(ctx context.Context, before time.Time) (int, error)

	// Members and allow/deny lists.
	UpsertMember(ctx context.Context, m Member) error
	DeleteMember(ctx context.Context, guildID, userID int64) error
	EligibleMembers(ctx context.Context, guildID int64) ([]int64, error)
	AddListEntry(ctx context.Context, e ListEntry) error
	RemoveListEntry(ctx context.Context, guildID, userID int64, kind ListKind) error
	InList(ctx context.Context, guildID, userID int64, kind ListKind) (bool, error)

	// Audit.
	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudits(ctx context.Context, before time.Time) (int, error)

	Close() error
}
