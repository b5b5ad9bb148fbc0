// Package broadcast coordinates the lifecycle of live broadcasts: starting
// the per-channel fan-out, attaching the egress process fed by the ingest
// session, and tearing everything down when the broadcast ends.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tribecast/internal/models"
	"tribecast/internal/observability/logging"
	"tribecast/internal/provider"
	"tribecast/internal/storage"
	"tribecast/internal/transcode"
)

var (
	ErrNoActiveBroadcast = errors.New("broadcast: profile has no active broadcast")
	ErrNoEndpoints       = errors.New("broadcast: no channel produced an endpoint")
)

// ChatListeners builds a chat listener for a broadcast channel, or nil when
// the provider has no live chat. *provider.ChatFactory satisfies it.
type ChatListeners interface {
	Listener(channel models.StreamChannel, link models.StreamBroadcastChannel) provider.ChatListener
}

// Observer receives coordinator lifecycle notifications. The metrics
// recorder satisfies it.
type Observer interface {
	BroadcastStarted(outcome string)
	ChannelStarted(provider, outcome string)
	StaleBroadcastClosed()
}

type nopObserver struct{}

func (nopObserver) BroadcastStarted(string) {}

func (nopObserver) ChannelStarted(string, string) {}

func (nopObserver) StaleBroadcastClosed() {}

// broadcastState tracks the in-memory side of one active broadcast: the
// endpoints resolved during fan-out, the egress process once the ingest
// session attaches one, and the chat listeners bound to it.
type broadcastState struct {
	endpoints  []string
	process    transcode.Process
	chatCancel context.CancelFunc
	chatDone   sync.WaitGroup
}

// Coordinator owns broadcast start, stop, and stale cleanup.
type Coordinator struct {
	store    storage.Repository
	registry *provider.Registry
	runner   transcode.Runner
	chats    ChatListeners
	observer Observer
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*broadcastState
}

// NewCoordinator constructs the coordinator. chats and observer may be nil.
func NewCoordinator(store storage.Repository, registry *provider.Registry, runner transcode.Runner, chats ChatListeners, observer Observer, logger *slog.Logger) *Coordinator {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		registry: registry,
		runner:   runner,
		chats:    chats,
		observer: observer,
		logger:   logger,
		active:   make(map[string]*broadcastState),
	}
}

// StartBroadcast creates the broadcast row and fans out across every channel
// bound to the profile. Channels whose adapter returns no endpoint are
// skipped; channels whose adapter fails are logged and skipped. A
// single-channel failure never fails the broadcast.
func (c *Coordinator) StartBroadcast(ctx context.Context, profileID, title, templateID string) (models.StreamBroadcast, []string, error) {
	broadcast, err := c.store.CreateBroadcast(storage.CreateBroadcastParams{
		ProfileID:  profileID,
		TemplateID: templateID,
		Title:      title,
	})
	if err != nil {
		c.observer.BroadcastStarted("failed")
		return models.StreamBroadcast{}, nil, err
	}

	ctx = logging.ContextWithBroadcastID(ctx, broadcast.ID)
	logger := logging.WithContext(ctx, c.logger).With("profile_id", profileID)
	state := &broadcastState{}
	chatCtx, chatCancel := context.WithCancel(context.Background())
	state.chatCancel = chatCancel

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, channel := range c.store.ListChannels(profileID) {
		channel := channel
		group.Go(func() error {
			start := c.startChannel(groupCtx, logger, broadcast, channel)
			if start == nil {
				return nil
			}
			link, err := c.store.CreateBroadcastChannel(storage.CreateBroadcastChannelParams{
				BroadcastID:         broadcast.ID,
				ChannelID:           channel.ID,
				ExternalBroadcastID: start.ExternalBroadcastID,
				ExternalStreamID:    start.ExternalStreamID,
				ExternalChatID:      start.ExternalChatID,
			})
			if err != nil {
				logger.Error("record broadcast channel", "channel_id", channel.ID, "error", err)
				return nil
			}
			mu.Lock()
			state.endpoints = append(state.endpoints, start.Endpoint)
			mu.Unlock()
			c.startChat(chatCtx, state, channel, link)
			return nil
		})
	}
	group.Wait()

	c.mu.Lock()
	c.active[broadcast.ID] = state
	c.mu.Unlock()

	c.observer.BroadcastStarted("started")
	logger.Info("broadcast started", "endpoints", len(state.endpoints))
	return broadcast, append([]string(nil), state.endpoints...), nil
}

// startChannel runs one adapter and classifies the outcome. A nil return
// means the channel contributed no endpoint, whether skipped or failed.
func (c *Coordinator) startChannel(ctx context.Context, logger *slog.Logger, broadcast models.StreamBroadcast, channel models.StreamChannel) *provider.ChannelStart {
	name := string(channel.Provider)
	adapter, ok := c.registry.Lookup(channel.Provider)
	if !ok {
		logger.Debug("no adapter for channel", "channel_id", channel.ID, "provider", name)
		c.observer.ChannelStarted(name, "skipped")
		return nil
	}
	start, err := adapter.Start(ctx, broadcast.ID, channel, broadcast.Title)
	if err != nil {
		logger.Warn("channel start failed", "channel_id", channel.ID, "provider", name, "error", err)
		c.observer.ChannelStarted(name, "failed")
		return nil
	}
	if start == nil {
		logger.Debug("channel not usable, skipping", "channel_id", channel.ID, "provider", name)
		c.observer.ChannelStarted(name, "skipped")
		return nil
	}
	c.observer.ChannelStarted(name, "started")
	return start
}

func (c *Coordinator) startChat(ctx context.Context, state *broadcastState, channel models.StreamChannel, link models.StreamBroadcastChannel) {
	if c.chats == nil {
		return
	}
	listener := c.chats.Listener(channel, link)
	if listener == nil {
		return
	}
	state.chatDone.Add(1)
	go func() {
		defer state.chatDone.Done()
		listener.Run(ctx)
	}()
}

// StartEgress spawns the relay process for the profile's active broadcast.
// The ingest session calls this on the first media frame; the returned
// process is also retained so StopBroadcast can terminate it.
func (c *Coordinator) StartEgress(ctx context.Context, profileID string) (transcode.Process, error) {
	var active *models.StreamBroadcast
	for _, broadcast := range c.store.ListBroadcasts(profileID) {
		if broadcast.Active() {
			active = &broadcast
			break
		}
	}
	if active == nil {
		return nil, ErrNoActiveBroadcast
	}

	c.mu.Lock()
	state, ok := c.active[active.ID]
	if !ok {
		state = &broadcastState{}
		c.active[active.ID] = state
	}
	if state.process != nil {
		select {
		case <-state.process.Done():
		default:
			process := state.process
			c.mu.Unlock()
			return process, nil
		}
	}
	endpoints := append([]string(nil), state.endpoints...)
	c.mu.Unlock()

	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	process, err := c.runner.Spawn(ctx, active.ID, endpoints)
	if err != nil {
		return nil, fmt.Errorf("spawn relay: %w", err)
	}
	egressID := uuid.NewString()
	if _, err := c.store.SetBroadcastEgress(active.ID, egressID); err != nil {
		process.Terminate()
		return nil, fmt.Errorf("record egress: %w", err)
	}

	c.mu.Lock()
	state.process = process
	c.mu.Unlock()

	logger := logging.WithContext(logging.ContextWithBroadcastID(ctx, active.ID), c.logger)
	logger.Info("egress started", "egress_id", egressID, "endpoints", len(endpoints))
	return process, nil
}

// StopBroadcast ends the broadcast, terminates its egress process, and shuts
// down every chat listener bound to it. Safe to call more than once.
func (c *Coordinator) StopBroadcast(ctx context.Context, broadcastID string) (models.StreamBroadcast, error) {
	broadcast, err := c.store.EndBroadcast(broadcastID, time.Now().UTC())
	if err != nil {
		return models.StreamBroadcast{}, err
	}

	c.mu.Lock()
	state, ok := c.active[broadcastID]
	delete(c.active, broadcastID)
	c.mu.Unlock()

	if ok {
		if state.chatCancel != nil {
			state.chatCancel()
		}
		if state.process != nil {
			state.process.Terminate()
		}
		state.chatDone.Wait()
	}

	logging.WithContext(logging.ContextWithBroadcastID(ctx, broadcastID), c.logger).Info("broadcast stopped")
	return broadcast, nil
}

// CleanupStaleBroadcasts ends every broadcast left active without a live
// egress process, typically after an unclean shutdown. Idempotent.
func (c *Coordinator) CleanupStaleBroadcasts(ctx context.Context) int {
	cleaned := 0
	for _, broadcast := range c.store.ListActiveBroadcasts() {
		if c.egressAlive(broadcast.ID) {
			continue
		}
		if _, err := c.store.EndBroadcast(broadcast.ID, time.Now().UTC()); err != nil {
			c.logger.Error("close stale broadcast", "broadcast_id", broadcast.ID, "error", err)
			continue
		}
		c.mu.Lock()
		state, ok := c.active[broadcast.ID]
		delete(c.active, broadcast.ID)
		c.mu.Unlock()
		if ok && state.chatCancel != nil {
			state.chatCancel()
		}
		c.observer.StaleBroadcastClosed()
		cleaned++
		c.logger.Warn("closed stale broadcast", "broadcast_id", broadcast.ID, "egress_id", egressID(broadcast))
	}
	return cleaned
}

func (c *Coordinator) egressAlive(broadcastID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.active[broadcastID]
	if !ok || state.process == nil {
		return false
	}
	select {
	case <-state.process.Done():
		return false
	default:
		return true
	}
}

// Close stops chat listeners and egress processes for every broadcast still
// tracked in memory. Broadcast rows are left untouched.
func (c *Coordinator) Close() {
	c.mu.Lock()
	states := make([]*broadcastState, 0, len(c.active))
	for id, state := range c.active {
		states = append(states, state)
		delete(c.active, id)
	}
	c.mu.Unlock()

	for _, state := range states {
		if state.chatCancel != nil {
			state.chatCancel()
		}
		if state.process != nil {
			state.process.Terminate()
		}
		state.chatDone.Wait()
	}
}

func egressID(broadcast models.StreamBroadcast) string {
	if broadcast.EgressID == nil {
		return ""
	}
	return *broadcast.EgressID
}
