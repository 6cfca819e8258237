package keysapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lsd-guardian/guardian/internal/types"
)

func TestFetchPageBuildsQueryAndDecodesResponse(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"key":"0xabc","used":false,"moduleId":1}],"meta":{"elBlockSnapshot":{"blockNumber":100,"blockHash":"0xdead","timestamp":111}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	keys, snap, err := c.FetchPage(context.Background(), false, 20, 10)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "0xabc", keys[0].Key)
	require.Equal(t, uint32(1), keys[0].ModuleID)
	require.Equal(t, uint64(100), snap.BlockNumber)

	require.Equal(t, []string{"false"}, gotQuery["used"])
	require.Equal(t, []string{"20"}, gotQuery["offset"])
	require.Equal(t, []string{"10"}, gotQuery["limit"])
}

func TestFetchPageNonOKStatusIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, _, err := c.FetchPage(context.Background(), true, 0, 10)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindTransient, kind)
}

func TestFetchPageMalformedBodyIsInconsistent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, _, err := c.FetchPage(context.Background(), true, 0, 10)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.KindInconsistent, kind)
}
