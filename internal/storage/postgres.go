package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tribecast/internal/models"
)

// PostgresConfig tunes the connection pool behind the Postgres repository.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS stream_channels (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		credentials JSONB NOT NULL DEFAULT '{}'::jsonb,
		current_endpoint TEXT NOT NULL DEFAULT '',
		branding JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS stream_channels_endpoint_idx
		ON stream_channels (lower(current_endpoint))
		WHERE current_endpoint <> ''`,
	`CREATE TABLE IF NOT EXISTS stream_broadcasts (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		template_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		egress_id TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS stream_broadcasts_active_idx
		ON stream_broadcasts (profile_id)
		WHERE ended_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS stream_broadcast_channels (
		id TEXT PRIMARY KEY,
		broadcast_id TEXT NOT NULL REFERENCES stream_broadcasts (id) ON DELETE CASCADE,
		channel_id TEXT NOT NULL REFERENCES stream_channels (id) ON DELETE CASCADE,
		external_broadcast_id TEXT NOT NULL DEFAULT '',
		external_stream_id TEXT NOT NULL DEFAULT '',
		external_chat_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stream_broadcast_comments (
		id TEXT PRIMARY KEY,
		broadcast_channel_id TEXT NOT NULL REFERENCES stream_broadcast_channels (id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		published_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stream_broadcast_comments_channel_idx
		ON stream_broadcast_comments (broadcast_channel_id, published_at)`,
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const channelColumns = "id, profile_id, provider, external_id, credentials, current_endpoint, branding, created_at, updated_at"

func scanChannel(row pgx.Row) (models.StreamChannel, error) {
	var channel models.StreamChannel
	var provider string
	err := row.Scan(
		&channel.ID,
		&channel.ProfileID,
		&provider,
		&channel.ExternalID,
		&channel.Credentials,
		&channel.CurrentEndpoint,
		&channel.Branding,
		&channel.CreatedAt,
		&channel.UpdatedAt,
	)
	if err != nil {
		return models.StreamChannel{}, err
	}
	channel.Provider = models.ChannelProvider(provider)
	return channel, nil
}

func (r *postgresRepository) CreateChannel(params CreateChannelParams) (models.StreamChannel, error) {
	profileID := strings.TrimSpace(params.ProfileID)
	if profileID == "" {
		return models.StreamChannel{}, fmt.Errorf("profile id is required")
	}
	provider, ok := models.ParseChannelProvider(string(params.Provider))
	if !ok {
		return models.StreamChannel{}, fmt.Errorf("unsupported provider %q", params.Provider)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	channel := models.StreamChannel{
		ID:              generateID(),
		ProfileID:       profileID,
		Provider:        provider,
		ExternalID:      strings.TrimSpace(params.ExternalID),
		Credentials:     cloneStringMap(params.Credentials),
		CurrentEndpoint: strings.TrimSpace(params.Endpoint),
		Branding:        cloneStringMap(params.Branding),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stream_channels (id, profile_id, provider, external_id, credentials, current_endpoint, branding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		channel.ID, channel.ProfileID, string(channel.Provider), channel.ExternalID,
		orEmptyMap(channel.Credentials), channel.CurrentEndpoint, orEmptyMap(channel.Branding),
		channel.CreatedAt, channel.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.StreamChannel{}, ErrDuplicateEndpoint
		}
		return models.StreamChannel{}, fmt.Errorf("insert channel: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) UpdateChannel(id string, update ChannelUpdate) (models.StreamChannel, error) {
	ctx := context.Background()
	channel, ok := r.GetChannel(id)
	if !ok {
		return models.StreamChannel{}, ErrChannelNotFound
	}

	if update.ExternalID != nil {
		channel.ExternalID = strings.TrimSpace(*update.ExternalID)
	}
	if update.Endpoint != nil {
		channel.CurrentEndpoint = strings.TrimSpace(*update.Endpoint)
	}
	if update.Branding != nil {
		channel.Branding = cloneStringMap(update.Branding)
	}
	channel.UpdatedAt = time.Now().UTC()

	tag, err := r.pool.Exec(ctx,
		`UPDATE stream_channels
		 SET external_id = $2, current_endpoint = $3, branding = $4, updated_at = $5
		 WHERE id = $1`,
		id, channel.ExternalID, channel.CurrentEndpoint, orEmptyMap(channel.Branding), channel.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.StreamChannel{}, ErrDuplicateEndpoint
		}
		return models.StreamChannel{}, fmt.Errorf("update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.StreamChannel{}, ErrChannelNotFound
	}
	return channel, nil
}

func (r *postgresRepository) UpdateChannelCredentials(id string, credentials map[string]string) (models.StreamChannel, error) {
	ctx := context.Background()
	updatedAt := time.Now().UTC()
	tag, err := r.pool.Exec(ctx,
		`UPDATE stream_channels SET credentials = $2, updated_at = $3 WHERE id = $1`,
		id, orEmptyMap(credentials), updatedAt,
	)
	if err != nil {
		return models.StreamChannel{}, fmt.Errorf("update channel credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.StreamChannel{}, ErrChannelNotFound
	}
	channel, ok := r.GetChannel(id)
	if !ok {
		return models.StreamChannel{}, ErrChannelNotFound
	}
	return channel, nil
}

func (r *postgresRepository) DeleteChannel(id string) error {
	tag, err := r.pool.Exec(context.Background(), `DELETE FROM stream_channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (r *postgresRepository) GetChannel(id string) (models.StreamChannel, bool) {
	row := r.pool.QueryRow(context.Background(),
		`SELECT `+channelColumns+` FROM stream_channels WHERE id = $1`, id)
	channel, err := scanChannel(row)
	if err != nil {
		return models.StreamChannel{}, false
	}
	return channel, true
}

func (r *postgresRepository) ListChannels(profileID string) []models.StreamChannel {
	ctx := context.Background()
	query := `SELECT ` + channelColumns + ` FROM stream_channels ORDER BY created_at, id`
	args := []any{}
	if profileID != "" {
		query = `SELECT ` + channelColumns + ` FROM stream_channels WHERE profile_id = $1 ORDER BY created_at, id`
		args = append(args, profileID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var channels []models.StreamChannel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil
		}
		channels = append(channels, channel)
	}
	return channels
}

const broadcastColumns = "id, profile_id, template_id, title, egress_id, started_at, ended_at"

func scanBroadcast(row pgx.Row) (models.StreamBroadcast, error) {
	var broadcast models.StreamBroadcast
	err := row.Scan(
		&broadcast.ID,
		&broadcast.ProfileID,
		&broadcast.TemplateID,
		&broadcast.Title,
		&broadcast.EgressID,
		&broadcast.StartedAt,
		&broadcast.EndedAt,
	)
	if err != nil {
		return models.StreamBroadcast{}, err
	}
	return broadcast, nil
}

func (r *postgresRepository) CreateBroadcast(params CreateBroadcastParams) (models.StreamBroadcast, error) {
	profileID := strings.TrimSpace(params.ProfileID)
	if profileID == "" {
		return models.StreamBroadcast{}, fmt.Errorf("profile id is required")
	}

	ctx := context.Background()
	var active int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM stream_broadcasts WHERE profile_id = $1 AND ended_at IS NULL`,
		profileID,
	).Scan(&active)
	if err != nil {
		return models.StreamBroadcast{}, fmt.Errorf("count active broadcasts: %w", err)
	}
	if active > 0 {
		return models.StreamBroadcast{}, ErrBroadcastAlreadyActive
	}

	broadcast := models.StreamBroadcast{
		ID:         generateID(),
		ProfileID:  profileID,
		TemplateID: strings.TrimSpace(params.TemplateID),
		Title:      strings.TrimSpace(params.Title),
		StartedAt:  time.Now().UTC(),
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO stream_broadcasts (id, profile_id, template_id, title, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		broadcast.ID, broadcast.ProfileID, broadcast.TemplateID, broadcast.Title, broadcast.StartedAt,
	)
	if err != nil {
		return models.StreamBroadcast{}, fmt.Errorf("insert broadcast: %w", err)
	}
	return broadcast, nil
}

func (r *postgresRepository) GetBroadcast(id string) (models.StreamBroadcast, bool) {
	row := r.pool.QueryRow(context.Background(),
		`SELECT `+broadcastColumns+` FROM stream_broadcasts WHERE id = $1`, id)
	broadcast, err := scanBroadcast(row)
	if err != nil {
		return models.StreamBroadcast{}, false
	}
	return broadcast, true
}

func (r *postgresRepository) ListBroadcasts(profileID string) []models.StreamBroadcast {
	query := `SELECT ` + broadcastColumns + ` FROM stream_broadcasts ORDER BY started_at DESC, id`
	args := []any{}
	if profileID != "" {
		query = `SELECT ` + broadcastColumns + ` FROM stream_broadcasts WHERE profile_id = $1 ORDER BY started_at DESC, id`
		args = append(args, profileID)
	}
	return r.queryBroadcasts(query, args...)
}

func (r *postgresRepository) ListActiveBroadcasts() []models.StreamBroadcast {
	return r.queryBroadcasts(`SELECT ` + broadcastColumns + ` FROM stream_broadcasts WHERE ended_at IS NULL ORDER BY started_at DESC, id`)
}

func (r *postgresRepository) queryBroadcasts(query string, args ...any) []models.StreamBroadcast {
	rows, err := r.pool.Query(context.Background(), query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var broadcasts []models.StreamBroadcast
	for rows.Next() {
		broadcast, err := scanBroadcast(rows)
		if err != nil {
			return nil
		}
		broadcasts = append(broadcasts, broadcast)
	}
	return broadcasts
}

func (r *postgresRepository) SetBroadcastEgress(id, egressID string) (models.StreamBroadcast, error) {
	ctx := context.Background()
	var egress *string
	if trimmed := strings.TrimSpace(egressID); trimmed != "" {
		egress = &trimmed
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE stream_broadcasts SET egress_id = $2 WHERE id = $1`, id, egress)
	if err != nil {
		return models.StreamBroadcast{}, fmt.Errorf("set broadcast egress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.StreamBroadcast{}, ErrBroadcastNotFound
	}
	broadcast, ok := r.GetBroadcast(id)
	if !ok {
		return models.StreamBroadcast{}, ErrBroadcastNotFound
	}
	return broadcast, nil
}

func (r *postgresRepository) EndBroadcast(id string, endedAt time.Time) (models.StreamBroadcast, error) {
	ctx := context.Background()
	_, err := r.pool.Exec(ctx,
		`UPDATE stream_broadcasts
		 SET ended_at = GREATEST($2::timestamptz, started_at)
		 WHERE id = $1 AND ended_at IS NULL`,
		id, endedAt.UTC(),
	)
	if err != nil {
		return models.StreamBroadcast{}, fmt.Errorf("end broadcast: %w", err)
	}
	broadcast, ok := r.GetBroadcast(id)
	if !ok {
		return models.StreamBroadcast{}, ErrBroadcastNotFound
	}
	return broadcast, nil
}

func (r *postgresRepository) CreateBroadcastChannel(params CreateBroadcastChannelParams) (models.StreamBroadcastChannel, error) {
	link := models.StreamBroadcastChannel{
		ID:                  generateID(),
		BroadcastID:         params.BroadcastID,
		ChannelID:           params.ChannelID,
		ExternalBroadcastID: strings.TrimSpace(params.ExternalBroadcastID),
		ExternalStreamID:    strings.TrimSpace(params.ExternalStreamID),
		ExternalChatID:      strings.TrimSpace(params.ExternalChatID),
		CreatedAt:           time.Now().UTC(),
	}
	_, err := r.pool.Exec(context.Background(),
		`INSERT INTO stream_broadcast_channels (id, broadcast_id, channel_id, external_broadcast_id, external_stream_id, external_chat_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		link.ID, link.BroadcastID, link.ChannelID,
		link.ExternalBroadcastID, link.ExternalStreamID, link.ExternalChatID, link.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.StreamBroadcastChannel{}, ErrBroadcastNotFound
		}
		return models.StreamBroadcastChannel{}, fmt.Errorf("insert broadcast channel: %w", err)
	}
	return link, nil
}

func (r *postgresRepository) ListBroadcastChannels(broadcastID string) []models.StreamBroadcastChannel {
	rows, err := r.pool.Query(context.Background(),
		`SELECT id, broadcast_id, channel_id, external_broadcast_id, external_stream_id, external_chat_id, created_at
		 FROM stream_broadcast_channels WHERE broadcast_id = $1 ORDER BY created_at, id`,
		broadcastID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var links []models.StreamBroadcastChannel
	for rows.Next() {
		var link models.StreamBroadcastChannel
		if err := rows.Scan(&link.ID, &link.BroadcastID, &link.ChannelID,
			&link.ExternalBroadcastID, &link.ExternalStreamID, &link.ExternalChatID, &link.CreatedAt); err != nil {
			return nil
		}
		links = append(links, link)
	}
	return links
}

func (r *postgresRepository) GetBroadcastChannel(id string) (models.StreamBroadcastChannel, bool) {
	var link models.StreamBroadcastChannel
	err := r.pool.QueryRow(context.Background(),
		`SELECT id, broadcast_id, channel_id, external_broadcast_id, external_stream_id, external_chat_id, created_at
		 FROM stream_broadcast_channels WHERE id = $1`, id,
	).Scan(&link.ID, &link.BroadcastID, &link.ChannelID,
		&link.ExternalBroadcastID, &link.ExternalStreamID, &link.ExternalChatID, &link.CreatedAt)
	if err != nil {
		return models.StreamBroadcastChannel{}, false
	}
	return link, true
}

func (r *postgresRepository) CreateComment(params CreateCommentParams) (models.StreamBroadcastComment, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = generateID()
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
	_, err := r.pool.Exec(context.Background(),
		`INSERT INTO stream_broadcast_comments (id, broadcast_channel_id, name, content, is_admin, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		comment.ID, comment.BroadcastChannelID, comment.Name, comment.Content, comment.IsAdmin, comment.PublishedAt,
	)
	if err != nil {
		return models.StreamBroadcastComment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (r *postgresRepository) ListComments(broadcastChannelID string, limit int) []models.StreamBroadcastComment {
	query := `SELECT id, broadcast_channel_id, name, content, is_admin, published_at
		 FROM stream_broadcast_comments WHERE broadcast_channel_id = $1 ORDER BY published_at, id`
	args := []any{broadcastChannelID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, broadcast_channel_id, name, content, is_admin, published_at
			FROM stream_broadcast_comments WHERE broadcast_channel_id = $1
			ORDER BY published_at DESC, id DESC LIMIT $2
		) latest ORDER BY published_at, id`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(context.Background(), query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var comments []models.StreamBroadcastComment
	for rows.Next() {
		var comment models.StreamBroadcastComment
		if err := rows.Scan(&comment.ID, &comment.BroadcastChannelID, &comment.Name,
			&comment.Content, &comment.IsAdmin, &comment.PublishedAt); err != nil {
			return nil
		}
		comments = append(comments, comment)
	}
	return comments
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

var _ Repository = (*postgresRepository)(nil)
