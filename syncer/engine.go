package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/database"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/repo"
)

// EngineConfig carries the pacing knobs for provider traffic. Tests zero the
// pauses; production keeps the defaults so bulk syncs stay under provider
// quotas.
type EngineConfig struct {
	// PagePause separates folder listing pages during a full sync.
	PagePause time.Duration
	// SubBatchPause separates cache upsert sub-batches within one page.
	SubBatchPause time.Duration
	// FetchBatchPause separates message-fetch batches during incremental
	// application.
	FetchBatchPause time.Duration

	// UpsertBatchSize bounds one cache upsert statement.
	UpsertBatchSize int
	// FetchBatchSize bounds one incremental fetch round.
	FetchBatchSize int
	// FetchConcurrency bounds parallel full-message fetches within a page.
	FetchConcurrency int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PagePause:        500 * time.Millisecond,
		SubBatchPause:    100 * time.Millisecond,
		FetchBatchPause:  500 * time.Millisecond,
		UpsertBatchSize:  50,
		FetchBatchSize:   20,
		FetchConcurrency: 5,
	}
}

// Engine drives the full and incremental sync state machines. All state
// lives in the store; an engine instance is safe for concurrent use by
// multiple jobs as long as each job targets a different connection.
type Engine struct {
	connections *repo.ConnectionRepository
	folders     *repo.FolderRepository
	messages    *repo.MessageRepository
	jobs        *repo.SyncJobRepository

	tokens  *TokenManager
	clients ClientFactory

	config EngineConfig
	sleep  sleeper
}

func NewEngine(
	connections *repo.ConnectionRepository,
	folders *repo.FolderRepository,
	messages *repo.MessageRepository,
	jobs *repo.SyncJobRepository,
	tokens *TokenManager,
	clients ClientFactory,
	config EngineConfig,
) *Engine {
	if config.UpsertBatchSize <= 0 {
		config.UpsertBatchSize = 50
	}
	if config.FetchBatchSize <= 0 {
		config.FetchBatchSize = 20
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = 5
	}
	return &Engine{
		connections: connections,
		folders:     folders,
		messages:    messages,
		jobs:        jobs,
		tokens:      tokens,
		clients:     clients,
		config:      config,
		sleep:       realSleep,
	}
}

// pause waits for d unless the context ends first. Zero is a no-op so tests
// run at full speed.
func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return e.sleep(ctx, d)
}

// session is one sync run's provider binding. The client is rebuilt whenever
// the token manager rotates the access token mid-run.
type session struct {
	conn   *repo.EmailConnection
	client ProviderClient
	token  string
}

// openSession refreshes credentials unconditionally and binds a provider
// client to the fresh token. Every sync entry point starts here so silently
// revoked grants surface before any cache mutation.
func (e *Engine) openSession(ctx context.Context, conn *repo.EmailConnection) (*session, error) {
	token, err := e.tokens.ForceRefresh(ctx, conn)
	if err != nil {
		return nil, err
	}
	client, err := e.clients(ctx, conn.Provider, token)
	if err != nil {
		return nil, fmt.Errorf("error building provider client: %v", err)
	}
	return &session{conn: conn, client: client, token: token}, nil
}

// refreshIfNeeded re-checks token expiry between pages and rebinds the
// client when the token rotated.
func (e *Engine) refreshIfNeeded(ctx context.Context, s *session) error {
	token, err := e.tokens.EnsureFresh(ctx, s.conn)
	if err != nil {
		return err
	}
	if token == s.token {
		return nil
	}
	client, err := e.clients(ctx, s.conn.Provider, token)
	if err != nil {
		return fmt.Errorf("error rebuilding provider client: %v", err)
	}
	s.client, s.token = client, token
	return nil
}

// jobCancelled polls the job row at checkpoints; jobless runs never cancel.
func (e *Engine) jobCancelled(job *repo.SyncJob) (bool, error) {
	if job == nil {
		return false, nil
	}
	return e.jobs.IsCancelled(job.ID)
}

// report applies a progress update when the run has a job row. Progress
// update failures are logged and swallowed: they must not abort a sync.
func (e *Engine) report(ctx context.Context, job *repo.SyncJob, progress repo.JobProgress) {
	if job == nil {
		return
	}
	if err := e.jobs.ReportProgress(job.ID, progress); err != nil {
		logger.Warn(ctx, "error reporting job progress",
			logger.String("job_id", job.ID),
			logger.ErrorField(err),
		)
	}
}

// ensureFolders returns the connection's folder rows, seeding the defaults
// on first sync and folding in whatever the provider reports.
func (e *Engine) ensureFolders(ctx context.Context, s *session) ([]repo.EmailFolder, error) {
	discovered, err := discoverWithBackoff(ctx, e.sleep, s.client)
	if err != nil {
		return nil, err
	}

	if _, err := e.folders.SeedDefaults(s.conn.UserID, s.conn.ID); err != nil {
		return nil, err
	}
	for _, info := range discovered {
		_, err := e.folders.UpsertProviderFolder(s.conn.UserID, s.conn.ID, info.Name, info.FolderType, info.ProviderFolderID)
		if err != nil {
			return nil, err
		}
	}
	return e.folders.ListByConnection(s.conn.ID)
}

func discoverWithBackoff(ctx context.Context, sleep sleeper, client ProviderClient) ([]ProviderFolderInfo, error) {
	var discovered []ProviderFolderInfo
	err := withBackoff(ctx, sleep, "folders.discover", func() error {
		var callErr error
		discovered, callErr = client.DiscoverFolders(ctx)
		return callErr
	})
	return discovered, err
}

// folderTypePrecedence orders folder attribution for messages carrying
// several labels; first match wins.
var folderTypePrecedence = []string{
	repo.FolderTypeInbox,
	repo.FolderTypeSent,
	repo.FolderTypeDrafts,
	repo.FolderTypeTrash,
}

// resolveFolderID maps a fetched message onto a cached folder through its
// provider folder ids. Messages matching nothing go to the archive folder,
// created on first use.
func (e *Engine) resolveFolderID(folders []repo.EmailFolder, s *session, msg *ProviderMessage) (string, error) {
	byProviderID := make(map[string]*repo.EmailFolder, len(folders))
	for i := range folders {
		byProviderID[folders[i].ProviderFolderID] = &folders[i]
	}

	matched := make(map[string]*repo.EmailFolder)
	for _, id := range msg.FolderIDs {
		if folder, ok := byProviderID[id]; ok {
			matched[folder.FolderType] = folder
		}
	}
	for _, folderType := range folderTypePrecedence {
		if folder, ok := matched[folderType]; ok {
			return folder.ID, nil
		}
	}

	archive, err := e.folders.UpsertProviderFolder(
		s.conn.UserID, s.conn.ID, "Archive", repo.FolderTypeArchive, "ARCHIVE")
	if err != nil {
		return "", err
	}
	return archive.ID, nil
}

// toCachedEmail converts a provider message into its stored form.
func toCachedEmail(conn *repo.EmailConnection, folderID string, msg *ProviderMessage) repo.CachedEmail {
	cached := repo.CachedEmail{
		UserID:          conn.UserID,
		ConnectionID:    conn.ID,
		FolderID:        folderID,
		ProviderEmailID: msg.ProviderID,
		Subject:         msg.Subject,
		Sender:          msg.Sender,
		BodyHTML:        msg.BodyHTML,
		BodyPreview:     msg.BodyPreview,
		IsRead:          msg.IsRead,
		IsStarred:       msg.IsStarred,
	}
	if !msg.Date.IsZero() {
		date := msg.Date
		cached.MessageDate = &date
	}
	if len(msg.Recipients) > 0 {
		cached.Recipients = database.NewStringList(msg.Recipients)
	}
	if len(msg.Cc) > 0 {
		cached.Cc = database.NewStringList(msg.Cc)
	}
	if len(msg.Attachments) > 0 {
		cached.Attachments = database.NewDbJsonFromValue(msg.Attachments)
	}
	return cached
}

// errSyncCancelled aborts the state machines without marking the job
// failed; the cancel endpoint already wrote the terminal status.
var errSyncCancelled = errors.New("sync cancelled")

// IsCancelled reports whether err is the engine's internal cancellation
// signal.
func IsCancelled(err error) bool {
	return errors.Is(err, errSyncCancelled)
}

// acquireLatch takes the connection's sync latch or reports that something
// else is already syncing the mailbox.
func (e *Engine) acquireLatch(conn *repo.EmailConnection) error {
	ok, err := e.connections.AcquireSyncLatch(conn.ID)
	if err != nil {
		return err
	}
	if !ok {
		conflict := &apperrors.ConflictingJobError{}
		if active, lookupErr := e.jobs.ActiveJobForConnection(conn.ID); lookupErr == nil && active != nil {
			conflict.ExistingJobID = active.ID
		}
		return conflict
	}
	conn.SyncInProgress = true
	return nil
}
