package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/network"
)

func newTestApi(t *testing.T) (*Api, *db.BoltDB) {
	store, err := db.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	net, err := network.Lookup("polkadot")
	require.NoError(t, err)
	return New(zap.NewNop(), store, net, Config{}), store
}

func get(t *testing.T, api *Api, path string) (int, map[string]interface{}) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	api.Router().ServeHTTP(rec, req)
	var body map[string]interface{}
	if rec.Code != http.StatusOK && rec.Code != http.StatusNotFound {
		return rec.Code, nil
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestValidatorsHideChatIDs(t *testing.T) {
	api, store := newTestApi(t)
	_, err := store.AddValidatorChat(&db.Validator{Stash: "S", Name: "alpha", Rank: 4}, 42, 20)
	require.NoError(t, err)
	require.NoError(t, store.AppendRank(db.RankEntry{Stash: "S", Rank: 4, Timestamp: 1}))

	code, body := get(t, api, "/api/validators")
	require.Equal(t, http.StatusOK, code)
	list := body["validators"].([]interface{})
	require.Len(t, list, 1)
	v := list[0].(map[string]interface{})
	require.Equal(t, "alpha", v["name"])
	require.Equal(t, float64(1), v["subscribers"])
	require.NotContains(t, v, "chatIds")

	code, body = get(t, api, "/api/validators/S")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["rankHistory"], 1)

	code, _ = get(t, api, "/api/validators/missing")
	require.Equal(t, http.StatusNotFound, code)
}

func TestStatus(t *testing.T) {
	api, store := newTestApi(t)
	_, err := store.SaveLastEra(1200)
	require.NoError(t, err)
	_, _, err = store.GetOrCreateChat(1)
	require.NoError(t, err)

	code, body := get(t, api, "/api/status")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "polkadot", body["network"])
	require.Equal(t, float64(1200), body["era"])
	require.Equal(t, float64(1), body["chats"])
	require.Equal(t, float64(0), body["validators"])
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := newTestApi(t)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
