package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/inboxlane/mailsync/db"
	"github.com/inboxlane/mailsync/repo"
	"github.com/stretchr/testify/require"
)

// fakeMailbox is an in-memory ProviderClient backing the engine tests.
type fakeMailbox struct {
	mu sync.Mutex

	profile    ProviderProfile
	profileErr error

	folders     []ProviderFolderInfo
	discoverErr error

	// folderMessages maps provider folder ids to the message ids a listing
	// returns, in order.
	folderMessages map[string][]string
	listErrs       map[string]error
	rateLimitHits  int

	messages map[string]*ProviderMessage
	fetchErr map[string]error

	historyPages []HistoryPage
	historyErr   error

	supportsHistory bool
	supportsWatch   bool
	watchInfo       WatchInfo
	watchErr        error
	watchStopped    bool

	listCalls    int
	historyCalls int
	fetchCalls   int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		profile:         ProviderProfile{Email: "user@example.com", HistoryID: "1000"},
		folderMessages:  map[string][]string{},
		listErrs:        map[string]error{},
		messages:        map[string]*ProviderMessage{},
		fetchErr:        map[string]error{},
		supportsHistory: true,
		supportsWatch:   true,
	}
}

func (m *fakeMailbox) addMessage(folderID, messageID, subject string) {
	m.folderMessages[folderID] = append(m.folderMessages[folderID], messageID)
	m.messages[messageID] = &ProviderMessage{
		ProviderID:  messageID,
		Subject:     subject,
		Sender:      "sender@example.com",
		Date:        time.Now().Add(-time.Hour),
		BodyPreview: subject,
		FolderIDs:   []string{folderID},
	}
}

func (m *fakeMailbox) Profile(ctx context.Context) (*ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profileErr != nil {
		return nil, m.profileErr
	}
	profile := m.profile
	return &profile, nil
}

func (m *fakeMailbox) DiscoverFolders(ctx context.Context) ([]ProviderFolderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discoverErr != nil {
		return nil, m.discoverErr
	}
	return append([]ProviderFolderInfo{}, m.folders...), nil
}

func (m *fakeMailbox) ListMessagePage(ctx context.Context, providerFolderID, pageToken string, pageSize int) (*MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	if m.rateLimitHits > 0 {
		m.rateLimitHits--
		return nil, fmt.Errorf("googleapi: Error 429: rate limit exceeded")
	}
	if err := m.listErrs[providerFolderID]; err != nil {
		return nil, err
	}

	ids := m.folderMessages[providerFolderID]
	offset := 0
	if pageToken != "" {
		offset, _ = strconv.Atoi(pageToken)
	}
	if offset >= len(ids) {
		return &MessagePage{}, nil
	}
	end := offset + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	page := &MessagePage{IDs: append([]string{}, ids[offset:end]...)}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *fakeMailbox) FetchMessage(ctx context.Context, providerMessageID string) (*ProviderMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++

	if err := m.fetchErr[providerMessageID]; err != nil {
		return nil, err
	}
	msg, ok := m.messages[providerMessageID]
	if !ok {
		return nil, fmt.Errorf("message %s not found", providerMessageID)
	}
	out := *msg
	return &out, nil
}

func (m *fakeMailbox) SupportsHistory() bool { return m.supportsHistory }

func (m *fakeMailbox) ListHistory(ctx context.Context, startHistoryID, pageToken string) (*HistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyCalls++

	if m.historyErr != nil {
		return nil, m.historyErr
	}
	index := 0
	if pageToken != "" {
		index, _ = strconv.Atoi(pageToken)
	}
	if index >= len(m.historyPages) {
		return &HistoryPage{LatestHistoryID: startHistoryID}, nil
	}
	page := m.historyPages[index]
	if index+1 < len(m.historyPages) {
		page.NextPageToken = strconv.Itoa(index + 1)
	}
	return &page, nil
}

func (m *fakeMailbox) SupportsWatch() bool { return m.supportsWatch }

func (m *fakeMailbox) InstallWatch(ctx context.Context, topic string) (*WatchInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchErr != nil {
		return nil, m.watchErr
	}
	info := m.watchInfo
	if info.Expiration.IsZero() {
		info.Expiration = time.Now().Add(7 * 24 * time.Hour)
	}
	return &info, nil
}

func (m *fakeMailbox) StopWatch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchStopped = true
	return nil
}

// syncTestEnv wires a sqlite store, a fake mailbox, and an engine with all
// pacing disabled.
type syncTestEnv struct {
	store   *db.PostgresDb
	engine  *Engine
	tokens  *TokenManager
	mailbox *fakeMailbox

	mu           sync.Mutex
	refreshCalls int
	refreshErr   error
	sleeps       []time.Duration
}

func newSyncTestEnv(t *testing.T) *syncTestEnv {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	env := &syncTestEnv{store: store, mailbox: newFakeMailbox()}

	refresher := func(ctx context.Context, provider, refreshToken string) (*TokenUpdate, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.refreshCalls++
		if env.refreshErr != nil {
			return nil, env.refreshErr
		}
		return &TokenUpdate{
			AccessToken: fmt.Sprintf("access-%d", env.refreshCalls),
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}
	env.tokens = NewTokenManager(store.ConnectionRepo, refresher)

	factory := func(ctx context.Context, provider, accessToken string) (ProviderClient, error) {
		return env.mailbox, nil
	}

	engine := NewEngine(
		store.ConnectionRepo, store.FolderRepo, store.MessageRepo, store.SyncJobRepo,
		env.tokens, factory,
		EngineConfig{UpsertBatchSize: 50, FetchBatchSize: 10, FetchConcurrency: 2},
	)
	engine.sleep = func(ctx context.Context, d time.Duration) error {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	env.engine = engine
	return env
}

func (env *syncTestEnv) setRefreshErr(err error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.refreshErr = err
}

func (env *syncTestEnv) sleepCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return len(env.sleeps)
}

func (env *syncTestEnv) createConnection(t *testing.T, cursor string) *repo.EmailConnection {
	t.Helper()

	conn := &repo.EmailConnection{
		UserID:          "11111111-1111-1111-1111-111111111111",
		Provider:        repo.ProviderGmail,
		Email:           "user@example.com",
		AccessToken:     "initial-access",
		RefreshToken:    "initial-refresh",
		SyncEnabled:     true,
		LatestHistoryID: cursor,
	}
	require.NoError(t, env.store.DB.Create(conn).Error)
	return conn
}

func (env *syncTestEnv) enqueueJob(t *testing.T, conn *repo.EmailConnection, syncType string) *repo.SyncJob {
	t.Helper()

	job := &repo.SyncJob{
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		SyncType:     syncType,
		Priority:     repo.PriorityUserInitiated,
	}
	require.NoError(t, env.store.SyncJobRepo.Enqueue(job))
	return job
}

func (env *syncTestEnv) reloadConnection(t *testing.T, id string) *repo.EmailConnection {
	t.Helper()

	conn, err := env.store.ConnectionRepo.GetByID(id)
	require.NoError(t, err)
	return conn
}

func (env *syncTestEnv) reloadJob(t *testing.T, id string) *repo.SyncJob {
	t.Helper()

	job, err := env.store.SyncJobRepo.GetByID(id)
	require.NoError(t, err)
	return job
}
