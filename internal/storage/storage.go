// Package storage persists relay state. The default implementation keeps the
// dataset in memory guarded by a RWMutex and writes it to a JSON file through
// an atomic rename. A Postgres-backed implementation is available for
// multi-instance deployments.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tribecast/internal/models"
)

type dataset struct {
	Channels          map[string]models.StreamChannel          `json:"channels"`
	Broadcasts        map[string]models.StreamBroadcast        `json:"broadcasts"`
	BroadcastChannels map[string]models.StreamBroadcastChannel `json:"broadcastChannels"`
	Comments          map[string]models.StreamBroadcastComment `json:"comments"`
}

// Storage is the JSON-file backed repository.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Channels:          make(map[string]models.StreamChannel),
		Broadcasts:        make(map[string]models.StreamBroadcast),
		BroadcastChannels: make(map[string]models.StreamBroadcastChannel),
		Comments:          make(map[string]models.StreamBroadcastComment),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Channels == nil {
		s.data.Channels = make(map[string]models.StreamChannel)
	}
	if s.data.Broadcasts == nil {
		s.data.Broadcasts = make(map[string]models.StreamBroadcast)
	}
	if s.data.BroadcastChannels == nil {
		s.data.BroadcastChannels = make(map[string]models.StreamBroadcastChannel)
	}
	if s.data.Comments == nil {
		s.data.Comments = make(map[string]models.StreamBroadcastComment)
	}
}

// NewStorage opens (or creates) the JSON store at path.
func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func generateID() string {
	return uuid.NewString()
}

// Ping reports whether the backing file remains writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.filePath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}

// Close flushes the dataset one final time.
func (s *Storage) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

func (s *Storage) CreateChannel(params CreateChannelParams) (models.StreamChannel, error) {
	profileID := strings.TrimSpace(params.ProfileID)
	if profileID == "" {
		return models.StreamChannel{}, fmt.Errorf("profile id is required")
	}
	provider, ok := models.ParseChannelProvider(string(params.Provider))
	if !ok {
		return models.StreamChannel{}, fmt.Errorf("unsupported provider %q", params.Provider)
	}
	endpoint := strings.TrimSpace(params.Endpoint)

	s.mu.Lock()
	defer s.mu.Unlock()

	if endpoint != "" && s.endpointTakenLocked(endpoint, "") {
		return models.StreamChannel{}, ErrDuplicateEndpoint
	}

	now := time.Now().UTC()
	channel := models.StreamChannel{
		ID:              generateID(),
		ProfileID:       profileID,
		Provider:        provider,
		ExternalID:      strings.TrimSpace(params.ExternalID),
		Credentials:     cloneStringMap(params.Credentials),
		CurrentEndpoint: endpoint,
		Branding:        cloneStringMap(params.Branding),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.data.Channels[channel.ID] = channel
	if err := s.persist(); err != nil {
		delete(s.data.Channels, channel.ID)
		return models.StreamChannel{}, err
	}
	return cloneChannel(channel), nil
}

func (s *Storage) UpdateChannel(id string, update ChannelUpdate) (models.StreamChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return models.StreamChannel{}, ErrChannelNotFound
	}
	previous := channel

	if update.ExternalID != nil {
		channel.ExternalID = strings.TrimSpace(*update.ExternalID)
	}
	if update.Endpoint != nil {
		endpoint := strings.TrimSpace(*update.Endpoint)
		if endpoint != "" && s.endpointTakenLocked(endpoint, id) {
			return models.StreamChannel{}, ErrDuplicateEndpoint
		}
		channel.CurrentEndpoint = endpoint
	}
	if update.Branding != nil {
		channel.Branding = cloneStringMap(update.Branding)
	}
	channel.UpdatedAt = time.Now().UTC()

	s.data.Channels[id] = channel
	if err := s.persist(); err != nil {
		s.data.Channels[id] = previous
		return models.StreamChannel{}, err
	}
	return cloneChannel(channel), nil
}

// UpdateChannelCredentials replaces the stored credential blob wholesale.
// When two writers race, the last write wins.
func (s *Storage) UpdateChannelCredentials(id string, credentials map[string]string) (models.StreamChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return models.StreamChannel{}, ErrChannelNotFound
	}
	previous := channel

	channel.Credentials = cloneStringMap(credentials)
	channel.UpdatedAt = time.Now().UTC()

	s.data.Channels[id] = channel
	if err := s.persist(); err != nil {
		s.data.Channels[id] = previous
		return models.StreamChannel{}, err
	}
	return cloneChannel(channel), nil
}

func (s *Storage) DeleteChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	delete(s.data.Channels, id)
	if err := s.persist(); err != nil {
		s.data.Channels[id] = channel
		return err
	}
	return nil
}

func (s *Storage) GetChannel(id string) (models.StreamChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.data.Channels[id]
	if !ok {
		return models.StreamChannel{}, false
	}
	return cloneChannel(channel), true
}

func (s *Storage) ListChannels(profileID string) []models.StreamChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]models.StreamChannel, 0, len(s.data.Channels))
	for _, channel := range s.data.Channels {
		if profileID != "" && channel.ProfileID != profileID {
			continue
		}
		channels = append(channels, cloneChannel(channel))
	}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].CreatedAt.Equal(channels[j].CreatedAt) {
			return channels[i].ID < channels[j].ID
		}
		return channels[i].CreatedAt.Before(channels[j].CreatedAt)
	})
	return channels
}

func (s *Storage) CreateBroadcast(params CreateBroadcastParams) (models.StreamBroadcast, error) {
	profileID := strings.TrimSpace(params.ProfileID)
	if profileID == "" {
		return models.StreamBroadcast{}, fmt.Errorf("profile id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, broadcast := range s.data.Broadcasts {
		if broadcast.ProfileID == profileID && broadcast.Active() {
			return models.StreamBroadcast{}, ErrBroadcastAlreadyActive
		}
	}

	broadcast := models.StreamBroadcast{
		ID:         generateID(),
		ProfileID:  profileID,
		TemplateID: strings.TrimSpace(params.TemplateID),
		Title:      strings.TrimSpace(params.Title),
		StartedAt:  time.Now().UTC(),
	}
	s.data.Broadcasts[broadcast.ID] = broadcast
	if err := s.persist(); err != nil {
		delete(s.data.Broadcasts, broadcast.ID)
		return models.StreamBroadcast{}, err
	}
	return cloneBroadcast(broadcast), nil
}

func (s *Storage) GetBroadcast(id string) (models.StreamBroadcast, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	broadcast, ok := s.data.Broadcasts[id]
	if !ok {
		return models.StreamBroadcast{}, false
	}
	return cloneBroadcast(broadcast), true
}

func (s *Storage) ListBroadcasts(profileID string) []models.StreamBroadcast {
	s.mu.RLock()
	defer s.mu.RUnlock()

	broadcasts := make([]models.StreamBroadcast, 0, len(s.data.Broadcasts))
	for _, broadcast := range s.data.Broadcasts {
		if profileID != "" && broadcast.ProfileID != profileID {
			continue
		}
		broadcasts = append(broadcasts, cloneBroadcast(broadcast))
	}
	sortBroadcasts(broadcasts)
	return broadcasts
}

func (s *Storage) ListActiveBroadcasts() []models.StreamBroadcast {
	s.mu.RLock()
	defer s.mu.RUnlock()

	broadcasts := make([]models.StreamBroadcast, 0)
	for _, broadcast := range s.data.Broadcasts {
		if !broadcast.Active() {
			continue
		}
		broadcasts = append(broadcasts, cloneBroadcast(broadcast))
	}
	sortBroadcasts(broadcasts)
	return broadcasts
}

func (s *Storage) SetBroadcastEgress(id, egressID string) (models.StreamBroadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	broadcast, ok := s.data.Broadcasts[id]
	if !ok {
		return models.StreamBroadcast{}, ErrBroadcastNotFound
	}
	previous := broadcast

	trimmed := strings.TrimSpace(egressID)
	if trimmed == "" {
		broadcast.EgressID = nil
	} else {
		broadcast.EgressID = &trimmed
	}

	s.data.Broadcasts[id] = broadcast
	if err := s.persist(); err != nil {
		s.data.Broadcasts[id] = previous
		return models.StreamBroadcast{}, err
	}
	return cloneBroadcast(broadcast), nil
}

// EndBroadcast stamps the end time exactly once. Repeat calls return the
// stored broadcast unchanged so stop and cleanup can race safely.
func (s *Storage) EndBroadcast(id string, endedAt time.Time) (models.StreamBroadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	broadcast, ok := s.data.Broadcasts[id]
	if !ok {
		return models.StreamBroadcast{}, ErrBroadcastNotFound
	}
	if broadcast.EndedAt != nil {
		return cloneBroadcast(broadcast), nil
	}
	previous := broadcast

	stamped := endedAt.UTC()
	if stamped.Before(broadcast.StartedAt) {
		stamped = broadcast.StartedAt
	}
	broadcast.EndedAt = &stamped

	s.data.Broadcasts[id] = broadcast
	if err := s.persist(); err != nil {
		s.data.Broadcasts[id] = previous
		return models.StreamBroadcast{}, err
	}
	return cloneBroadcast(broadcast), nil
}

func (s *Storage) CreateBroadcastChannel(params CreateBroadcastChannelParams) (models.StreamBroadcastChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Broadcasts[params.BroadcastID]; !ok {
		return models.StreamBroadcastChannel{}, ErrBroadcastNotFound
	}
	if _, ok := s.data.Channels[params.ChannelID]; !ok {
		return models.StreamBroadcastChannel{}, ErrChannelNotFound
	}

	link := models.StreamBroadcastChannel{
		ID:                  generateID(),
		BroadcastID:         params.BroadcastID,
		ChannelID:           params.ChannelID,
		ExternalBroadcastID: strings.TrimSpace(params.ExternalBroadcastID),
		ExternalStreamID:    strings.TrimSpace(params.ExternalStreamID),
		ExternalChatID:      strings.TrimSpace(params.ExternalChatID),
		CreatedAt:           time.Now().UTC(),
	}
	s.data.BroadcastChannels[link.ID] = link
	if err := s.persist(); err != nil {
		delete(s.data.BroadcastChannels, link.ID)
		return models.StreamBroadcastChannel{}, err
	}
	return link, nil
}

func (s *Storage) ListBroadcastChannels(broadcastID string) []models.StreamBroadcastChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make([]models.StreamBroadcastChannel, 0)
	for _, link := range s.data.BroadcastChannels {
		if link.BroadcastID != broadcastID {
			continue
		}
		links = append(links, link)
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].ID < links[j].ID
		}
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})
	return links
}

func (s *Storage) GetBroadcastChannel(id string) (models.StreamBroadcastChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.data.BroadcastChannels[id]
	return link, ok
}

// CreateComment stores a comment, deduplicating on the provider-assigned ID
// so re-polled chat pages do not produce duplicates.
func (s *Storage) CreateComment(params CreateCommentParams) (models.StreamBroadcastComment, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = generateID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data.Comments[id]; ok {
		return existing, nil
	}

	publishedAt := params.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}
	comment := models.StreamBroadcastComment{
		ID:                 id,
		BroadcastChannelID: params.BroadcastChannelID,
		Name:               params.Name,
		Content:            params.Content,
		IsAdmin:            params.IsAdmin,
		PublishedAt:        publishedAt.UTC(),
	}
	s.data.Comments[id] = comment
	if err := s.persist(); err != nil {
		delete(s.data.Comments, id)
		return models.StreamBroadcastComment{}, err
	}
	return comment, nil
}

func (s *Storage) ListComments(broadcastChannelID string, limit int) []models.StreamBroadcastComment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comments := make([]models.StreamBroadcastComment, 0)
	for _, comment := range s.data.Comments {
		if comment.BroadcastChannelID != broadcastChannelID {
			continue
		}
		comments = append(comments, comment)
	}
	sort.Slice(comments, func(i, j int) bool {
		if comments[i].PublishedAt.Equal(comments[j].PublishedAt) {
			return comments[i].ID < comments[j].ID
		}
		return comments[i].PublishedAt.Before(comments[j].PublishedAt)
	})
	if limit > 0 && len(comments) > limit {
		comments = comments[len(comments)-limit:]
	}
	return comments
}

func (s *Storage) endpointTakenLocked(endpoint, excludeChannelID string) bool {
	for id, channel := range s.data.Channels {
		if id == excludeChannelID {
			continue
		}
		if channel.CurrentEndpoint != "" && strings.EqualFold(channel.CurrentEndpoint, endpoint) {
			return true
		}
	}
	return false
}

func sortBroadcasts(broadcasts []models.StreamBroadcast) {
	sort.Slice(broadcasts, func(i, j int) bool {
		if broadcasts[i].StartedAt.Equal(broadcasts[j].StartedAt) {
			return broadcasts[i].ID < broadcasts[j].ID
		}
		return broadcasts[i].StartedAt.After(broadcasts[j].StartedAt)
	})
}

func cloneChannel(channel models.StreamChannel) models.StreamChannel {
	cloned := channel
	cloned.Credentials = cloneStringMap(channel.Credentials)
	cloned.Branding = cloneStringMap(channel.Branding)
	return cloned
}

func cloneBroadcast(broadcast models.StreamBroadcast) models.StreamBroadcast {
	cloned := broadcast
	if broadcast.EgressID != nil {
		egress := *broadcast.EgressID
		cloned.EgressID = &egress
	}
	if broadcast.EndedAt != nil {
		ended := *broadcast.EndedAt
		cloned.EndedAt = &ended
	}
	return cloned
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	cloned := make(map[string]string, len(src))
	for key, value := range src {
		cloned[key] = value
	}
	return cloned
}
