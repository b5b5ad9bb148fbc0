package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tribecast/internal/comments"
)

const chatReconnectDelay = 5 * time.Second

// TwitchChatListener reads a channel's chat over Twitch's IRC-on-WebSocket
// gateway using an anonymous login and publishes every message to the
// comment queue.
type TwitchChatListener struct {
	serverURL          string
	login              string
	broadcastChannelID string
	queue              comments.Queue
	logger             *slog.Logger
	dialer             *websocket.Dialer
}

// NewTwitchChatListener constructs a listener for the given channel login.
func NewTwitchChatListener(serverURL, login, broadcastChannelID string, queue comments.Queue, logger *slog.Logger) *TwitchChatListener {
	if serverURL == "" {
		serverURL = defaultTwitchChatServer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TwitchChatListener{
		serverURL:          serverURL,
		login:              strings.ToLower(strings.TrimSpace(login)),
		broadcastChannelID: broadcastChannelID,
		queue:              queue,
		logger:             logger.With("component", "twitch-chat", "login", login),
		dialer:             websocket.DefaultDialer,
	}
}

// Run connects and reconnects until the context is cancelled.
func (l *TwitchChatListener) Run(ctx context.Context) {
	for {
		if err := l.connect(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("chat connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(chatReconnectDelay):
		}
	}
}

func (l *TwitchChatListener) connect(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial chat gateway: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	nick := fmt.Sprintf("justinfan%04d", rand.Intn(10000))
	for _, line := range []string{
		"CAP REQ :twitch.tv/tags",
		"NICK " + nick,
		"JOIN #" + l.login,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return fmt.Errorf("chat handshake: %w", err)
		}
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, raw := range strings.Split(string(payload), "\r\n") {
			line := strings.TrimSpace(raw)
			if line == "" {
				continue
			}
			if err := l.handleLine(ctx, conn, line); err != nil {
				return err
			}
		}
	}
}

func (l *TwitchChatListener) handleLine(ctx context.Context, conn *websocket.Conn, line string) error {
	msg := parseIRCLine(line)
	switch msg.command {
	case "PING":
		return conn.WriteMessage(websocket.TextMessage, []byte("PONG :"+msg.trailing))
	case "PRIVMSG":
		comment := comments.Comment{
			ID:                 msg.tags["id"],
			BroadcastChannelID: l.broadcastChannelID,
			Provider:           "twitch",
			Name:               msg.displayName(),
			Content:            msg.trailing,
			IsAdmin:            msg.fromModerator(),
			PublishedAt:        msg.sentAt(),
		}
		if comment.Content == "" {
			return nil
		}
		if err := l.queue.Publish(ctx, comment); err != nil && ctx.Err() == nil {
			l.logger.Warn("publish comment failed", "error", err)
		}
	}
	return nil
}

type ircMessage struct {
	tags     map[string]string
	prefix   string
	command  string
	trailing string
}

// parseIRCLine handles the subset of RFC 1459 plus Twitch message tags that
// the listener needs: @tags :prefix COMMAND params :trailing.
func parseIRCLine(line string) ircMessage {
	msg := ircMessage{tags: map[string]string{}}

	if strings.HasPrefix(line, "@") {
		rawTags := line[1:]
		if idx := strings.Index(rawTags, " "); idx >= 0 {
			line = strings.TrimSpace(rawTags[idx+1:])
			rawTags = rawTags[:idx]
		} else {
			line = ""
		}
		for _, pair := range strings.Split(rawTags, ";") {
			key, value, _ := strings.Cut(pair, "=")
			msg.tags[key] = value
		}
	}

	if strings.HasPrefix(line, ":") {
		if idx := strings.Index(line, " "); idx >= 0 {
			msg.prefix = line[1:idx]
			line = strings.TrimSpace(line[idx+1:])
		} else {
			msg.prefix = line[1:]
			line = ""
		}
	}

	if idx := strings.Index(line, " :"); idx >= 0 {
		msg.trailing = line[idx+2:]
		line = line[:idx]
	}

	fields := strings.Fields(line)
	if len(fields) > 0 {
		msg.command = fields[0]
	}
	return msg
}

func (m ircMessage) displayName() string {
	if name := m.tags["display-name"]; name != "" {
		return name
	}
	if idx := strings.Index(m.prefix, "!"); idx > 0 {
		return m.prefix[:idx]
	}
	return m.prefix
}

func (m ircMessage) fromModerator() bool {
	if m.tags["mod"] == "1" {
		return true
	}
	badges := m.tags["badges"]
	return strings.Contains(badges, "broadcaster/") || strings.Contains(badges, "moderator/")
}

func (m ircMessage) sentAt() time.Time {
	if raw := m.tags["tmi-sent-ts"]; raw != "" {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.UnixMilli(millis).UTC()
		}
	}
	return time.Now().UTC()
}
