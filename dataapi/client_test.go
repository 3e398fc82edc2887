package dataapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

func TestDatapointQuery_Values(t *testing.T) {
	q := DatapointQuery{
		DatastreamID: "ds1",
		Time:         TimeRange{GTE: Int64(1000), LT: Int64(2000)},
		TimeLocal:    true,
		Limit:        2016,
		SortTime:     SortAsc,
	}

	v := q.Values()
	assert.Equal(t, "ds1", v.Get("datastream_id"))
	assert.Equal(t, "true", v.Get("t_int"))
	assert.Equal(t, "true", v.Get("t_local"))
	assert.Equal(t, "true", v.Get("time_local"))
	assert.Equal(t, "1000", v.Get("time[$gte]"))
	assert.Equal(t, "2000", v.Get("time[$lt]"))
	assert.Equal(t, "2016", v.Get("$limit"))
	assert.Equal(t, "1", v.Get("$sort[time]"))
	assert.Empty(t, v.Get("time[$gt]"))
}

func TestDatapointQuery_Values_ExclusiveLower(t *testing.T) {
	q := DatapointQuery{
		DatastreamID: "ds1",
		Time:         TimeRange{GT: Int64(1500), LT: Int64(2000)},
		SortTime:     SortDesc,
	}

	v := q.Values()
	assert.Equal(t, "1500", v.Get("time[$gt]"))
	assert.Equal(t, "-1", v.Get("$sort[time]"))
	assert.Empty(t, v.Get("time[$gte]"))
}

func TestDatastreamQuery_Values(t *testing.T) {
	q := DatastreamQuery{
		DerivedFromIn: []string{"s1", "s2"},
		IsEnabled:     Bool(true),
		SourceType:    SourceTypeDeriver,
		Limit:         2000,
		SortID:        SortAsc,
	}

	v := q.Values()
	assert.Equal(t, []string{"s1", "s2"}, v["derived_from_datastream_ids[$in]"])
	assert.Equal(t, "true", v.Get("is_enabled"))
	assert.Equal(t, "deriver", v.Get("source_type"))
	assert.Equal(t, "2000", v.Get("$limit"))
	assert.Equal(t, "1", v.Get("$sort[_id]"))
}

func TestDatastreamQuery_Values_ConfigBuilt(t *testing.T) {
	q := DatastreamQuery{
		ConfigBuilt: &ConfigBuiltFilter{
			API:  "org1",
			DB:   "station_data",
			FC:   "air_temp",
			Path: "/influx/select",
		},
	}

	v := q.Values()
	assert.Equal(t, "org1", v.Get("datapoints_config_built.params.query.api"))
	assert.Equal(t, "station_data", v.Get("datapoints_config_built.params.query.db"))
	assert.Equal(t, "air_temp", v.Get("datapoints_config_built.params.query.fc"))
	assert.Equal(t, "/influx/select", v.Get("datapoints_config_built.path"))
}

func TestClient_FindDatastreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/datastreams", r.URL.Path)
		assert.Equal(t, "deriver", r.URL.Query().Get("source_type"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []Datastream{{ID: "d1", SourceType: SourceTypeDeriver, IsEnabled: true}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	streams, err := client.Find(context.Background(), DatastreamQuery{SourceType: SourceTypeDeriver})
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "d1", streams[0].ID)
}

func TestClient_Patch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/datastreams/d1", r.URL.Path)
		assert.Equal(t, "deriver", r.URL.Query().Get("source_type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "$set")

		json.NewEncoder(w).Encode(Datastream{ID: "d1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	patched, err := client.Patch(context.Background(), "d1",
		map[string]interface{}{"datapoints_config_built": []DatapointsConfig{}},
		map[string]interface{}{"source_type": "deriver"})
	require.NoError(t, err)
	assert.Equal(t, "d1", patched.ID)
}

func TestClient_GetStation_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	_, err := client.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestClient_CreateBuild(t *testing.T) {
	var created Job
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/derived-builds", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "", time.Second)
	job := &Job{
		ID:          "deriveDatapoints-d1-1000-abc",
		Method:      "deriveDatapoints",
		DispatchKey: "d1",
	}
	require.NoError(t, client.Create(context.Background(), job))
	assert.Equal(t, job.ID, created.ID)
	assert.Equal(t, "deriveDatapoints", created.Method)
}

func TestVerify_FailsClosedWithoutCredentials(t *testing.T) {
	client := NewClient("http://localhost:3030", "", "", time.Second)
	err := client.Verify(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)
}

func TestVerify_CachesToken(t *testing.T) {
	var authCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/authentication", r.URL.Path)
		authCalls++
		json.NewEncoder(w).Encode(map[string]string{"accessToken": "tok123"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "worker@example.org", "secret", time.Second)
	ctx := context.Background()

	require.NoError(t, client.Verify(ctx))
	require.NoError(t, client.Verify(ctx))
	assert.Equal(t, 1, authCalls)
	assert.Equal(t, "tok123", client.auth.token())
}

func TestVerify_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "worker@example.org", "wrong", time.Second)
	err := client.Verify(context.Background())
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)
}
