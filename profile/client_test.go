package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"testing"
)

func TestProfilesBatchesIntoOneRequest(t *testing.T) {
	numRequests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests++
		if r.URL.Path != "/profiles/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %s", err)
		}
		sort.Strings(body.IDs)
		want := []string{"@alice", "@bob"}
		if !reflect.DeepEqual(body.IDs, want) {
			t.Errorf("got ids %v want %v", body.IDs, want)
		}
		w.Write([]byte(`{"profiles":[
			{"id":"@alice","display_name":"Alice","avatar_url":"https://cdn/a.png"},
			{"id":"@bob","display_name":"Bob","avatar_url":""}
		]}`))
	}))
	defer srv.Close()

	client := &HTTPClient{Client: srv.Client(), BaseURL: srv.URL}
	profiles, err := client.Profiles(context.Background(), []string{"@alice", "@bob"})
	if err != nil {
		t.Fatalf("Profiles: %s", err)
	}
	if numRequests != 1 {
		t.Errorf("made %d requests, want 1", numRequests)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles want 2", len(profiles))
	}
	if profiles[0].DisplayName != "Alice" || profiles[0].AvatarURL != "https://cdn/a.png" {
		t.Errorf("bad first profile: %+v", profiles[0])
	}
}

func TestProfilesEmptyInputMakesNoRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request for empty id set")
	}))
	defer srv.Close()
	client := &HTTPClient{Client: srv.Client(), BaseURL: srv.URL}
	profiles, err := client.Profiles(context.Background(), nil)
	if err != nil {
		t.Fatalf("Profiles: %s", err)
	}
	if profiles != nil {
		t.Errorf("got %v want nil", profiles)
	}
}

func TestProfilesNonOKStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
	}))
	defer srv.Close()
	client := &HTTPClient{Client: srv.Client(), BaseURL: srv.URL}
	if _, err := client.Profiles(context.Background(), []string{"@alice"}); err == nil {
		t.Errorf("expected an error for HTTP 502")
	}
}
