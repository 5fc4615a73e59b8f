package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/database"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/repository"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/syncer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testAPI struct {
	server       *httptest.Server
	token        string
	fake         *remotetest.Server
	network      *connectivity.Manual
	store        *store.Store
	orchestrator *syncer.Orchestrator
	repositories *repository.Set
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:cardiosync_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	localStore, err := store.New(store.Config{
		Database:   db,
		Tables:     records.Tables(),
		IDProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := localStore.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize store: %v", err)
	}
	t.Cleanup(func() {
		_ = localStore.Close()
	})

	fake := remotetest.NewServer("1")
	t.Cleanup(fake.Close)
	client, err := remote.New(remote.Config{BaseURL: fake.URL, UserID: "1", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new remote client: %v", err)
	}

	network := connectivity.NewManual(true)
	orchestrator, err := syncer.New(syncer.Config{
		Store:        localStore,
		Remote:       client,
		Connectivity: network,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	repositories, err := repository.NewSet(repository.Config{
		Store:  localStore,
		Syncer: orchestrator,
	}, 1, nil)
	if err != nil {
		t.Fatalf("new repositories: %v", err)
	}
	if _, err := repositories.Users.CreateUser(context.Background(), &records.User{Username: "ada", Email: "ada@example.com"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "cardiosync",
		Audience:      "cardiosync-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:       issuer,
		Sync:         orchestrator,
		Queue:        localStore,
		Repositories: repositories,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testAPI{
		server:       server,
		token:        token,
		fake:         fake,
		network:      network,
		store:        localStore,
		orchestrator: orchestrator,
		repositories: repositories,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return response.StatusCode, payload
}

func mustDecode(t *testing.T, payload []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(payload, target); err != nil {
		t.Fatalf("decode %s: %v", payload, err)
	}
}
