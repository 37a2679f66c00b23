package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/hireloop/mailwatch/internal/credential"
	"github.com/hireloop/mailwatch/internal/subscription"
)

// watchFixture serves the watch, profile and stop calls the registrar
// makes.
type watchFixture struct {
	historyID      uint64
	expiration     time.Time
	email          string
	profileBroken  bool
	watchRequests  []gmailv1.WatchRequest
	stopCalls      int
	profileLookups int
}

func (f *watchFixture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/watch"):
			var req gmailv1.WatchRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.watchRequests = append(f.watchRequests, req)
			json.NewEncoder(w).Encode(map[string]any{
				"historyId":  strconv.FormatUint(f.historyID, 10),
				"expiration": strconv.FormatInt(f.expiration.UnixMilli(), 10),
			})
		case strings.HasSuffix(r.URL.Path, "/profile"):
			f.profileLookups++
			if f.profileBroken {
				http.Error(w, `{"error":{"code":500}}`, http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"emailAddress": f.email,
				"historyId":    strconv.FormatUint(f.historyID, 10),
			})
		case strings.HasSuffix(r.URL.Path, "/stop"):
			f.stopCalls++
			w.Write([]byte("{}"))
		default:
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
		}
	}
}

func testRegistrar(t *testing.T, fixture *watchFixture) *Registrar {
	t.Helper()

	srv := httptest.NewServer(fixture.handler())
	t.Cleanup(srv.Close)

	registry, err := subscription.Open(filepath.Join(t.TempDir(), "subs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	broker := credential.NewBroker(staticTokenStore{},
		&oauth2.Config{}, &oauth2.Config{}, zerolog.Nop())
	engine := NewEngine(broker, registry, fakeDirectory{}, &recordingSink{}, zerolog.Nop(),
		option.WithEndpoint(srv.URL))
	return NewRegistrar(broker, "projects/p/topics/cv-mail-push", engine, zerolog.Nop())
}

func TestRegisterEstablishesWatch(t *testing.T) {
	fixture := &watchFixture{
		historyID:  1000,
		expiration: time.Now().Add(7 * 24 * time.Hour).Truncate(time.Millisecond),
		email:      "recruiter@example.com",
	}
	registrar := testRegistrar(t, fixture)

	desired := []string{"Label_A", "Label_B"}
	reg, err := registrar.Register(context.Background(), "user-1", desired, desired, nil)
	require.NoError(t, err)

	require.Len(t, fixture.watchRequests, 1)
	assert.Equal(t, "projects/p/topics/cv-mail-push", fixture.watchRequests[0].TopicName)
	assert.Equal(t, desired, fixture.watchRequests[0].LabelIds)

	assert.Equal(t, "1000", reg.Cursor)
	assert.Equal(t, fixture.expiration.UnixMilli(), reg.Expiry.UnixMilli())
	assert.Equal(t, "recruiter@example.com", reg.Email)
	assert.Equal(t, "projects/p/topics/cv-mail-push", reg.Handles["Label_A"])
	assert.Equal(t, "projects/p/topics/cv-mail-push", reg.Handles["Label_B"])
}

func TestRegisterFailsWithoutMailboxAddress(t *testing.T) {
	fixture := &watchFixture{
		historyID:     1000,
		expiration:    time.Now().Add(7 * 24 * time.Hour),
		profileBroken: true,
	}
	registrar := testRegistrar(t, fixture)

	// The address is the only webhook routing key; a watch without one
	// would silently drop every notification.
	_, err := registrar.Register(context.Background(), "user-1", []string{"Label_A"}, []string{"Label_A"}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, fixture.profileLookups)
}

func TestCancelAllStopsWatch(t *testing.T) {
	fixture := &watchFixture{historyID: 1000, expiration: time.Now(), email: "recruiter@example.com"}
	registrar := testRegistrar(t, fixture)

	require.NoError(t, registrar.CancelAll(context.Background(), "user-1", nil))
	assert.Equal(t, 1, fixture.stopCalls)
}

func TestCancelResourcesIsNoOp(t *testing.T) {
	fixture := &watchFixture{}
	registrar := testRegistrar(t, fixture)

	require.NoError(t, registrar.CancelResources(context.Background(), "user-1", nil))
	assert.Zero(t, fixture.stopCalls)
}
