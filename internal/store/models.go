package store

import (
	"time"

	"gorm.io/datatypes"
)

type PaymentType string

const (
	PaymentTypeCredits              PaymentType = "credits"
	PaymentTypeSubscriptionFree     PaymentType = "subscription_free"
	PaymentTypeSubscriptionDiscount PaymentType = "subscription_discount"
	PaymentTypeOnetimeUnsubscribed  PaymentType = "onetime_unsubscribed"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// GenerationStatus is the user facing progress of a task.
type GenerationStatus string

const (
	GenerationProcessing GenerationStatus = "processing"
	GenerationPartial    GenerationStatus = "partial"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

func (s GenerationStatus) IsTerminal() bool {
	return s == GenerationCompleted || s == GenerationFailed
}

type SubscriptionStatus string

const (
	SubscriptionNone     SubscriptionStatus = "none"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

func (s SubscriptionStatus) IsActive() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

type User struct {
	ID                    int64              `gorm:"primaryKey" json:"id,string"`
	Email                 string             `json:"email"`
	CreditsBalance        int                `json:"credits_balance"`
	SubscriptionStatus    SubscriptionStatus `json:"subscription_status"`
	SubscriptionID        *string            `json:"subscription_id,omitempty"`
	SubscriptionPriceID   *string            `json:"subscription_price_id,omitempty"`
	SubscriptionPeriodEnd *time.Time         `json:"subscription_period_end,omitempty"`
	SubscriptionUpdatedAt *time.Time         `json:"subscription_updated_at,omitempty"`
	SongsGenerated        int                `json:"songs_generated"`
	SongsFailed           int                `json:"songs_failed"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// GenerationInput is what the user asked for.
type GenerationInput struct {
	Style         string `json:"style" validate:"required,max=200"`
	Title         string `json:"title" validate:"required,max=120"`
	LyricsDetails string `json:"lyrics_details,omitempty" validate:"max=2000"`
	Dedication    string `json:"dedication,omitempty" validate:"max=500"`
	Donation      string `json:"donation,omitempty" validate:"max=200"`
	StylePrompt   string `json:"style_prompt,omitempty" validate:"max=1000"`
}

type GenerationRequest struct {
	ID                  int64                                `gorm:"primaryKey" json:"id,string"`
	UserID              int64                                `json:"user_id,string"`
	PaymentType         PaymentType                          `json:"payment_type"`
	PaymentStatus       PaymentStatus                        `json:"payment_status"`
	GenerationStarted   bool                                 `json:"generation_started"`
	GenerationStartedAt *time.Time                           `json:"generation_started_at,omitempty"`
	TaskID              *int64                               `json:"task_id,omitempty,string"`
	RefundedAsCredit    bool                                 `json:"refunded_as_credit"`
	Error               *string                              `json:"error,omitempty"`
	Input               datatypes.JSONType[GenerationInput] `json:"input"`
	CheckoutSessionID   *string                              `json:"checkout_session_id,omitempty"`
	CreatedAt           time.Time                            `json:"created_at"`
	UpdatedAt           time.Time                            `json:"updated_at"`
}

func (GenerationRequest) TableName() string { return "generation_requests" }

type Task struct {
	ID                 int64 `gorm:"primaryKey"`
	UserID             int64
	RequestID          int64
	ExternalID         string
	ExternalStatus     ProviderStatus
	ExternalStatusRank int
	SongID             *int64
	PollCount          int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Task) TableName() string { return "tasks" }

type TaskStatus struct {
	TaskID              int64 `gorm:"primaryKey"`
	RequestID           int64
	UserID              int64
	Status              GenerationStatus
	Lyrics              string
	Input               datatypes.JSONType[GenerationInput]
	SongIDs             datatypes.JSONSlice[string] `gorm:"column:song_ids"`
	Error               *string
	StatsAlreadyUpdated bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (TaskStatus) TableName() string { return "task_statuses" }

// SongAPIData mirrors the artifact fields reported by the music provider.
type SongAPIData struct {
	ID             string  `json:"id"`
	AudioURL       string  `json:"audio_url,omitempty"`
	StreamAudioURL string  `json:"stream_audio_url,omitempty"`
	ImageURL       string  `json:"image_url,omitempty"`
	Title          string  `json:"title,omitempty"`
	Tags           string  `json:"tags,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	CreateTime     string  `json:"create_time,omitempty"`
}

type Song struct {
	ID                 int64 `gorm:"primaryKey"`
	ExternalID         string
	TaskID             int64
	RequestID          int64
	UserID             int64
	APIData            datatypes.JSONType[SongAPIData] `gorm:"column:api_data"`
	AudioURL           *string                         `gorm:"column:audio_url"`
	StorageBucket      *string
	StoragePath        *string
	StorageURL         *string `gorm:"column:storage_url"`
	StorageSize        *int64
	StorageContentType *string
	StoredAt           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Song) TableName() string { return "songs" }

func (s Song) HasStorage() bool {
	return s.StoragePath != nil && *s.StoragePath != ""
}

func (s Song) HasAudio() bool {
	return s.AudioURL != nil && *s.AudioURL != ""
}

// GenerationView is the read model folded from a request, its task status and songs.
type GenerationView struct {
	RequestID         int64                       `gorm:"primaryKey" json:"request_id,string"`
	UserID            int64                       `json:"user_id,string"`
	PaymentType       PaymentType                 `json:"payment_type,omitempty"`
	PaymentStatus     PaymentStatus               `json:"payment_status,omitempty"`
	GenerationStarted bool                        `json:"generation_started"`
	RefundedAsCredit  bool                        `json:"refunded_as_credit"`
	Error             *string                     `json:"error,omitempty"`
	Title             string                      `json:"title,omitempty"`
	RequestUpdatedAt  *time.Time                  `json:"request_updated_at,omitempty"`
	TaskID            *int64                      `json:"task_id,omitempty,string"`
	Status            GenerationStatus            `json:"status,omitempty"`
	Lyrics            string                      `json:"lyrics,omitempty"`
	SongIDs           datatypes.JSONSlice[string] `gorm:"column:song_ids" json:"song_ids"`
	StatusUpdatedAt   *time.Time                  `json:"status_updated_at,omitempty"`
	CreatedAt         time.Time                   `json:"created_at"`

	Songs []GenerationViewSong `gorm:"-" json:"songs"`
}

func (GenerationView) TableName() string { return "generation_views" }

type GenerationViewSong struct {
	SongID         int64     `gorm:"primaryKey" json:"song_id,string"`
	RequestID      int64     `json:"-"`
	Title          string    `json:"title"`
	AudioURL       string    `gorm:"column:audio_url" json:"audio_url,omitempty"`
	StreamAudioURL string    `gorm:"column:stream_audio_url" json:"stream_audio_url,omitempty"`
	ImageURL       string    `gorm:"column:image_url" json:"image_url,omitempty"`
	Duration       float64   `json:"duration"`
	StorageURL     string    `gorm:"column:storage_url" json:"storage_url,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (GenerationViewSong) TableName() string { return "generation_view_songs" }
