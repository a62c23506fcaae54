package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessiv/livedesk/internal/domain"
	"github.com/tessiv/livedesk/internal/logging"
	"github.com/tessiv/livedesk/internal/store"
)

func testResolver(t *testing.T, window time.Duration) (*Resolver, *store.Archive) {
	t.Helper()
	log := logging.New(nil, "silent", "")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	archive := store.NewArchive(db)
	return NewResolver(archive, window, log), archive
}

func archivedSession(t *testing.T, archive *store.Archive, name, clientID string, closedAgo time.Duration, messages int) domain.Session {
	t.Helper()
	closedAt := time.Now().Add(-closedAgo)
	sess := domain.Session{
		ID:        domain.NewSessionID(),
		State:     domain.StateClosed,
		Customer:  &domain.Customer{Name: name, ClientID: clientID},
		Admin:     &domain.Admin{Name: "alice"},
		CreatedAt: closedAt.Add(-10 * time.Minute),
		ClosedAt:  &closedAt,
	}
	for i := 0; i < messages; i++ {
		sess.Append(domain.NewMessage(name, "msg", false))
	}
	require.NoError(t, archive.Store(sess))
	return sess
}

func TestResolve_FirstTimeCustomer(t *testing.T) {
	r, _ := testResolver(t, 24*time.Hour)

	res, err := r.Resolve("Carol", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Carol", res.Customer.Name)
	assert.Equal(t, "dev-1", res.Customer.ClientID)

	require.NotNil(t, res.CustomerHistory)
	assert.False(t, res.CustomerHistory.IsReturning)
	assert.Zero(t, res.CustomerHistory.PreviousSessions)

	require.NotNil(t, res.ClientHistory)
	assert.False(t, res.ClientHistory.IsReturning)
	assert.Nil(t, res.PreviousSession)
}

func TestResolve_NoClientID(t *testing.T) {
	r, archive := testResolver(t, 24*time.Hour)
	archivedSession(t, archive, "Carol", "dev-1", time.Hour, 3)

	res, err := r.Resolve("Carol", "")
	require.NoError(t, err)

	// Name axis still resolves; device axis cannot.
	require.NotNil(t, res.CustomerHistory)
	assert.True(t, res.CustomerHistory.IsReturning)
	assert.Nil(t, res.ClientHistory)
	assert.Nil(t, res.PreviousSession)
}

func TestResolve_NameHistoryAggregates(t *testing.T) {
	r, archive := testResolver(t, 24*time.Hour)
	archivedSession(t, archive, "Carol", "dev-1", 3*time.Hour, 2)
	latest := archivedSession(t, archive, "Carol", "dev-2", time.Hour, 5)
	archivedSession(t, archive, "Dave", "dev-3", time.Hour, 9)

	res, err := r.Resolve("Carol", "")
	require.NoError(t, err)

	h := res.CustomerHistory
	require.NotNil(t, h)
	assert.True(t, h.IsReturning)
	assert.Equal(t, 2, h.PreviousSessions)
	assert.Equal(t, 7, h.TotalMessages)
	assert.Equal(t, latest.ClosedAt.UnixNano(), h.LastSeen.UnixNano())
}

func TestResolve_ClientHistoryTracksNames(t *testing.T) {
	r, archive := testResolver(t, 24*time.Hour)
	first := archivedSession(t, archive, "Carol", "dev-1", 3*time.Hour, 1)
	archivedSession(t, archive, "Caroline", "dev-1", 2*time.Hour, 1)
	archivedSession(t, archive, "Carol", "dev-1", time.Hour, 1)

	res, err := r.Resolve("Carol", "dev-1")
	require.NoError(t, err)

	h := res.ClientHistory
	require.NotNil(t, h)
	assert.True(t, h.IsReturning)
	assert.Equal(t, 3, h.TotalSessions)
	assert.Equal(t, []string{"Carol", "Caroline"}, h.PreviousNames)
	assert.Equal(t, first.CreatedAt.UnixNano(), h.FirstSeen.UnixNano())
}

func TestResolve_PreviousSessionWithinWindow(t *testing.T) {
	r, archive := testResolver(t, 24*time.Hour)
	archivedSession(t, archive, "Carol", "dev-1", 5*time.Hour, 1)
	latest := archivedSession(t, archive, "Carol", "dev-1", time.Hour, 4)

	res, err := r.Resolve("Carol", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, res.PreviousSession)
	assert.Equal(t, latest.ID, res.PreviousSession.ID)
	assert.Equal(t, 4, res.PreviousSession.MessageCount)
}

func TestResolve_PreviousSessionOutsideWindow(t *testing.T) {
	r, archive := testResolver(t, 30*time.Minute)
	archivedSession(t, archive, "Carol", "dev-1", 2*time.Hour, 1)

	res, err := r.Resolve("Carol", "dev-1")
	require.NoError(t, err)
	assert.True(t, res.ClientHistory.IsReturning, "history survives the window")
	assert.Nil(t, res.PreviousSession, "link does not")
}

func TestResolve_AxesIndependent(t *testing.T) {
	r, archive := testResolver(t, 24*time.Hour)
	// Same device, different name: device axis matches, name axis does not.
	archivedSession(t, archive, "Caroline", "dev-1", time.Hour, 2)

	res, err := r.Resolve("Carol", "dev-1")
	require.NoError(t, err)
	assert.False(t, res.CustomerHistory.IsReturning)
	assert.True(t, res.ClientHistory.IsReturning)
	assert.Equal(t, []string{"Caroline"}, res.ClientHistory.PreviousNames)
	require.NotNil(t, res.PreviousSession)
}
