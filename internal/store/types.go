package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type BotStatus string

const (
	BotInactive BotStatus = "inactive"
	BotActive   BotStatus = "active"
	BotError    BotStatus = "error"
)

// Bot is one registered fleet account. The token is held only as
// vault ciphertext; the fingerprint is a keyed hash used for
// duplicate-registration detection.
type Bot struct {
	ID               string
	Name             string
	TokenCiphertext  string
	TokenFingerprint string
	Status           BotStatus
	LastSeen         time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type CampaignMode string

const (
	ModeInstant   CampaignMode = "instant"
	ModePaced     CampaignMode = "paced"
	ModeScheduled CampaignMode = "scheduled"
)

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

type Campaign struct {
	ID      string
	GuildID int64
	Name    string
	Message string
	Mode    CampaignMode
	// Pace is messages/minute for paced mode.
	Pace          int
	StartAt       time.Time
	Status        CampaignStatus
	TotalTargets  int
	SentTargets   int
	FailedTargets int
	CreatedBy     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
	TargetSkipped TargetStatus = "skipped"
)

// Target is one (campaign, recipient) pair awaiting delivery.
// Status is monotonic: pending -> {sent, failed, skipped}, no reverse.
type Target struct {
	CampaignID string
	UserID     int64
	BotID      string
	Status     TargetStatus
	Attempts   int
	LastError  string
	SentAt     time.Time
	CreatedAt  time.Time
}

type SendOutcome string

const (
	SendSuccess     SendOutcome = "success"
	SendFailed      SendOutcome = "failed"
	SendRateLimited SendOutcome = "rate_limited"
)

// SendRecord is one delivery attempt. Append-only; never mutated.
type SendRecord struct {
	CampaignID  string
	UserID      int64
	BotID       string
	Outcome     SendOutcome
	ErrorCode   string
	ErrorDetail string
	At          time.Time
}

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// HealthRecord is the latest health snapshot for a bot, upserted by its worker.
type HealthRecord struct {
	BotID          string
	Status         HealthStatus
	LatencyMS      int64
	ErrorsLastHour int
	LastHeartbeat  time.Time
}

// Assignment reasons, recorded for operator forensics.
const (
	ReasonNew          = "new_assignment"
	ReasonFallback     = "fallback_used"
	ReasonBotMigration = "bot_migration"
)

// Assignment durably maps (guild, member) to the bot that delivers to them,
// plus an ordered fallback list. At most one row per (guild, member) is
// active; reassignment supersedes the old row rather than mutating it.
type Assignment struct {
	ID         int64
	GuildID    int64
	UserID     int64
	BotID      string
	Fallbacks  []string
	Reason     string
	Active     bool
	TotalSent  int
	AssignedAt time.Time
	LastDMAt   time.Time
	UpdatedAt  time.Time
}

// BotLoad pairs a bot with its active-assignment count in a guild.
type BotLoad struct {
	BotID  string
	Count  int
	DMsSum int
}

// Member is a tracked guild member (potential DM recipient).
type Member struct {
	GuildID  int64
	UserID   int64
	Username string
	LastSeen time.Time
}

type ListKind string

const (
	ListBlacklist ListKind = "blacklist"
	ListWhitelist ListKind = "whitelist"
)

// ListEntry is a blacklist or whitelist row.
type ListEntry struct {
	GuildID   int64
	UserID    int64
	Kind      ListKind
	Reason    string
	AddedBy   int64
	CreatedAt time.Time
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time
	ActorID    int64
	Action     string
	EntityKind string
	EntityID   string
	Detail     string
}
