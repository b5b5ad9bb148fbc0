package storage

import (
	"context"
	"errors"
	"time"

	"tribecast/internal/models"
)

var (
	ErrChannelNotFound        = errors.New("channel not found")
	ErrBroadcastNotFound      = errors.New("broadcast not found")
	ErrDuplicateEndpoint      = errors.New("rtmp endpoint already registered")
	ErrBroadcastAlreadyActive = errors.New("profile already has an active broadcast")
)

// CreateChannelParams captures the fields required to register a streaming
// destination for a profile. Credentials arrive already encrypted.
type CreateChannelParams struct {
	ProfileID   string
	Provider    models.ChannelProvider
	ExternalID  string
	Credentials map[string]string
	Endpoint    string
	Branding    map[string]string
}

// ChannelUpdate mutates the mutable channel fields. Nil members leave the
// stored value untouched.
type ChannelUpdate struct {
	ExternalID *string
	Endpoint   *string
	Branding   map[string]string
}

// CreateBroadcastParams captures the fields recorded when a broadcast starts.
type CreateBroadcastParams struct {
	ProfileID  string
	TemplateID string
	Title      string
}

// CreateBroadcastChannelParams records one successful per-channel fan-out.
type CreateBroadcastChannelParams struct {
	BroadcastID         string
	ChannelID           string
	ExternalBroadcastID string
	ExternalStreamID    string
	ExternalChatID      string
}

// CreateCommentParams records one comment received from a provider chat.
type CreateCommentParams struct {
	ID                 string
	BroadcastChannelID string
	Name               string
	Content            string
	IsAdmin            bool
	PublishedAt        time.Time
}

// Repository exposes the datastore operations required by the broadcast
// coordinator, the ingest controller, and the API handlers.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateChannel(params CreateChannelParams) (models.StreamChannel, error)
	UpdateChannel(id string, update ChannelUpdate) (models.StreamChannel, error)
	UpdateChannelCredentials(id string, credentials map[string]string) (models.StreamChannel, error)
	DeleteChannel(id string) error
	GetChannel(id string) (models.StreamChannel, bool)
	ListChannels(profileID string) []models.StreamChannel

	CreateBroadcast(params CreateBroadcastParams) (models.StreamBroadcast, error)
	GetBroadcast(id string) (models.StreamBroadcast, bool)
	ListBroadcasts(profileID string) []models.StreamBroadcast
	ListActiveBroadcasts() []models.StreamBroadcast
	SetBroadcastEgress(id, egressID string) (models.StreamBroadcast, error)
	EndBroadcast(id string, endedAt time.Time) (models.StreamBroadcast, error)

	CreateBroadcastChannel(params CreateBroadcastChannelParams) (models.StreamBroadcastChannel, error)
	ListBroadcastChannels(broadcastID string) []models.StreamBroadcastChannel
	GetBroadcastChannel(id string) (models.StreamBroadcastChannel, bool)

	CreateComment(params CreateCommentParams) (models.StreamBroadcastComment, error)
	ListComments(broadcastChannelID string, limit int) []models.StreamBroadcastComment
}

var _ Repository = (*Storage)(nil)
