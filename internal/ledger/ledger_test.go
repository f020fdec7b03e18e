package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/notify"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/storage"
	"github.com/strata/strata/internal/store"
	"github.com/strata/strata/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestRegistry(t testing.TB, dir string) *region.Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(dir, "region.db"), "eu-west-1")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	objects, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	reg, err := region.NewRegistry(&region.Region{Name: "eu-west-1", Store: st, Objects: objects})
	require.NoError(t, err)
	return reg
}

func payload(action string, ts time.Time) types.EventPayload {
	return types.EventPayload{
		Timestamp: ts,
		Category:  "auth",
		Action:    action,
		Actor:     types.Actor{ID: "user-1", Email: "u1@example.com", Role: "admin"},
		Resource:  types.Resource{Type: "session", ID: "s-1"},
		Metadata:  json.RawMessage(`{"b": 2, "a": {"z": true, "y": 1.50}}`),
		Network:   types.Network{IPAddress: "10.0.0.1", UserAgent: "curl"},
	}
}

var scope = types.ScopeKey{TenantID: "acme", WorkspaceID: "prod"}

func TestAppend_HashChain(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	l := New(reg, nil, discard)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	first, err := l.Append(ctx, AppendRequest{Scope: scope, Payload: payload("login", base)})
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Nil(t, first.Event.PrevHash)
	assert.Equal(t, base.Truncate(time.Millisecond), first.Event.Timestamp, "timestamps are stored at ms precision")
	assert.JSONEq(t, `{"a":{"y":1.50,"z":true},"b":2}`, string(first.Event.Metadata))

	second, err := l.Append(ctx, AppendRequest{Scope: scope, Payload: payload("logout", base.Add(time.Second))})
	require.NoError(t, err)
	require.NotNil(t, second.Event.PrevHash)
	assert.Equal(t, first.Event.Hash, *second.Event.PrevHash)

	want, err := EventHash(scope, second.Event.EventPayload, second.Event.PrevHash)
	require.NoError(t, err)
	assert.Equal(t, want, second.Event.Hash)

	report, err := l.VerifyChain(ctx, scope)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(2), report.Checked)
}

func TestAppend_IdempotentReplay(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	bus := notify.NewBus(8)
	sub := bus.Subscribe()
	l := New(reg, bus, discard)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	req := AppendRequest{Scope: scope, Payload: payload("login", ts), IdempotencyKey: "k-1"}
	first, err := l.Append(ctx, req)
	require.NoError(t, err)
	replay, err := l.Append(ctx, req)
	require.NoError(t, err)

	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Event.ID, replay.Event.ID)
	assert.Equal(t, first.Event.Hash, replay.Event.Hash)
	assert.Len(t, sub.Ch, 1, "a replay must not trigger a webhook")

	// The next distinct event chains to the first one, not to a phantom replay link
	next, err := l.Append(ctx, AppendRequest{Scope: scope, Payload: payload("logout", ts)})
	require.NoError(t, err)
	assert.Equal(t, first.Event.Hash, *next.Event.PrevHash)

	// Same key with a different payload is a new event
	other, err := l.Append(ctx, AppendRequest{Scope: scope, Payload: payload("delete", ts), IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.False(t, other.Replayed)

	hot, _, err := reg.Default().Store.CountEvents(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(3), hot)
}

func TestAppend_ReplayWithoutTimestamp(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(reg, nil, discard, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	req := AppendRequest{Scope: scope, Payload: payload("login", time.Time{}), IdempotencyKey: "k-1"}
	first, err := l.Append(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, clock, first.Event.Timestamp)

	clock = clock.Add(time.Minute)
	replay, err := l.Append(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Event.ID, replay.Event.ID)
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, notify.Notification) error {
	return fmt.Errorf("queue unavailable")
}

func TestAppend_NotifierFailureIsNotSurfaced(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	l := New(reg, failingNotifier{}, discard)

	res, err := l.Append(context.Background(), AppendRequest{Scope: scope, Payload: payload("login", time.Now())})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Event.ID)
}

func TestAppend_Validation(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	l := New(reg, nil, discard)
	ctx := context.Background()

	cases := map[string]AppendRequest{
		"missing tenant":    {Scope: types.ScopeKey{WorkspaceID: "w"}, Payload: payload("a", time.Now())},
		"missing workspace": {Scope: types.ScopeKey{TenantID: "t"}, Payload: payload("a", time.Now())},
		"missing action":    {Scope: scope, Payload: payload("", time.Now())},
		"tenant escapes":    {Scope: types.ScopeKey{TenantID: "../x", WorkspaceID: "w"}, Payload: payload("a", time.Now())},
		"tenant with slash": {Scope: types.ScopeKey{TenantID: "a/b", WorkspaceID: "w"}, Payload: payload("a", time.Now())},
		"tenant backslash":  {Scope: types.ScopeKey{TenantID: `a\b`, WorkspaceID: "w"}, Payload: payload("a", time.Now())},
		"tenant dot":        {Scope: types.ScopeKey{TenantID: ".", WorkspaceID: "w"}, Payload: payload("a", time.Now())},
		"metadata array": {Scope: scope, Payload: func() types.EventPayload {
			p := payload("a", time.Now())
			p.Metadata = json.RawMessage(`[1,2]`)
			return p
		}()},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Append(ctx, req)
			assert.Equal(t, strataerrors.ErrCategoryValidation, strataerrors.GetCategory(err))
		})
	}
}

func TestAppend_ProjectScope(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	l := New(reg, nil, discard)
	ctx := context.Background()

	projectScope := types.ScopeKey{TenantID: "acme", WorkspaceID: "prod", ProjectID: "billing"}
	_, err := l.Append(ctx, AppendRequest{Scope: projectScope, Payload: payload("a", time.Now())})
	assert.Equal(t, strataerrors.ErrCategoryScope, strataerrors.GetCategory(err), "unregistered project")

	require.NoError(t, l.RegisterProject(ctx, projectScope))
	res, err := l.Append(ctx, AppendRequest{Scope: projectScope, Payload: payload("a", time.Now())})
	require.NoError(t, err)
	assert.Nil(t, res.Event.PrevHash, "project scope has its own chain")

	foreign := types.ScopeKey{TenantID: "globex", WorkspaceID: "prod", ProjectID: "billing"}
	_, err = l.Append(ctx, AppendRequest{Scope: foreign, Payload: payload("a", time.Now())})
	assert.Equal(t, strataerrors.ErrCategoryScope, strataerrors.GetCategory(err))
}

func TestQuery_CursorPaging(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	l := New(reg, nil, discard)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, AppendRequest{Scope: scope, Payload: payload(fmt.Sprintf("a%d", i), base.Add(time.Duration(i)*time.Minute))})
		require.NoError(t, err)
	}

	var actions []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := l.Query(ctx, QueryRequest{Filter: types.EventFilter{TenantID: "acme"}, Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		for _, e := range page.Events {
			actions = append(actions, e.Action)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"a4", "a3", "a2", "a1", "a0"}, actions)

	_, err := l.Query(ctx, QueryRequest{Filter: types.EventFilter{TenantID: "acme"}, Cursor: "%%%"})
	assert.Equal(t, strataerrors.ErrCategoryValidation, strataerrors.GetCategory(err))
}

func TestCursorRoundTrip(t *testing.T) {
	pos := store.Position{TimeMS: 1767225600123, ID: "0190-abc"}
	got, err := DecodeCursor(EncodeCursor(pos))
	require.NoError(t, err)
	assert.Equal(t, pos, got)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry(t, dir)
	l := New(reg, nil, discard)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, AppendRequest{Scope: scope, Payload: payload(fmt.Sprintf("a%d", i), time.Now())})
		require.NoError(t, err)
	}

	// Rewrite the middle event behind the ledger's back
	db, err := sql.Open("sqlite3", filepath.Join(dir, "region.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("UPDATE events SET action = 'tampered' WHERE action = 'a1'")
	require.NoError(t, err)

	report, err := l.VerifyChain(ctx, scope)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.BrokenAt)
	assert.Equal(t, int64(2), report.Checked)
}

// TestProperty_ChainLinks checks that for any interleaving of appends across scopes,
// every event links to the previous event of its own scope and every chain verifies.
func TestProperty_ChainLinks(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	scopes := []types.ScopeKey{
		{TenantID: "acme", WorkspaceID: "prod"},
		{TenantID: "acme", WorkspaceID: "staging"},
		{TenantID: "globex", WorkspaceID: "prod"},
	}

	properties.Property("prev_hash is the hash of the scope's previous event", prop.ForAll(
		func(picks []int) bool {
			reg := newTestRegistry(t, t.TempDir())
			l := New(reg, nil, discard)
			ctx := context.Background()

			last := map[string]string{}
			for i, p := range picks {
				s := scopes[p]
				res, err := l.Append(ctx, AppendRequest{Scope: s, Payload: payload(fmt.Sprintf("a%d", i), time.Now())})
				if err != nil {
					return false
				}
				prev, seen := last[s.String()]
				switch {
				case !seen && res.Event.PrevHash != nil:
					return false
				case seen && (res.Event.PrevHash == nil || *res.Event.PrevHash != prev):
					return false
				}
				last[s.String()] = res.Event.Hash
			}
			for _, s := range scopes {
				report, err := l.VerifyChain(ctx, s)
				if err != nil || !report.Valid {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(0, len(scopes)-1)),
	))

	properties.TestingRun(t)
}
