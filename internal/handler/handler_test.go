package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sakif/userbase/internal/auth"
	"github.com/sakif/userbase/internal/evm"
	"github.com/sakif/userbase/internal/handler"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository/sqlite"
	"github.com/sakif/userbase/internal/service"
)

// testEnv is the real stack on an in-memory database, routed the same way
// the server routes it.
type testEnv struct {
	t      *testing.T
	db     *sqlite.DB
	hasher *auth.TokenHasher
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hasher, err := auth.NewTokenHasher(nil)
	require.NoError(t, err)

	sessions := auth.NewSessionValidator(db.Sessions(), hasher, time.Second)
	challenges := service.NewChallengeService(db.Challenges(), 10*time.Minute, time.Second, logger)
	linker := service.NewIdentityLinker(db, challenges, evm.Verifier{}, time.Second, logger)
	resolver := service.NewProfileResolver(db.Users(), db.Identities(), time.Second, logger)
	profiles := service.NewProfileService(db.Users(), time.Second, logger)

	identityHandler := handler.NewIdentityHandler(linker, challenges, logger, false)
	profileHandler := handler.NewProfileHandler(resolver, profiles, logger, false)
	sessionHandler := handler.NewSessionHandler(sessions, "", logger, false)
	healthHandler := handler.NewHealthHandler(db, logger)

	r := chi.NewRouter()
	r.Get("/healthz", healthHandler.HandleHealthz)
	r.Get("/profile", profileHandler.HandleGet)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(sessions, "", logger))
		r.Get("/identities", identityHandler.HandleList)
		r.Post("/identities", identityHandler.HandleCreate)
		r.Delete("/identities", identityHandler.HandleDelete)
		r.Post("/identities/evm/challenge", identityHandler.HandleChallenge)
		r.Post("/identities/evm/verify", identityHandler.HandleVerify)
		r.Post("/identities/evm/verify-farcaster", identityHandler.HandleVerifyFarcaster)
		r.Patch("/profile", profileHandler.HandlePatch)
		r.Post("/session/logout", sessionHandler.HandleLogout)
	})

	return &testEnv{t: t, db: db, hasher: hasher, router: r}
}

// login creates a user with a live session and returns the raw refresh token.
func (e *testEnv) login(handle, displayName string) (*model.User, string) {
	e.t.Helper()
	ctx := context.Background()

	user := &model.User{DisplayName: displayName}
	if handle != "" {
		user.Handle = &handle
	}
	require.NoError(e.t, e.db.Users().Create(ctx, user))

	token := "refresh-" + user.ID
	require.NoError(e.t, e.db.Sessions().Create(ctx, &model.Session{
		UserID:           user.ID,
		RefreshTokenHash: e.hasher.Hash(token),
		ExpiresAt:        time.Now().Add(time.Hour),
	}))
	return user, token
}

// do sends a request; body is JSON-encoded unless it is already a string.
func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: auth.DefaultCookieName, Value: token})
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

type errorBody struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	Field          string `json:"field"`
	MergeRequired  bool   `json:"merge_required"`
	ExistingUserID string `json:"existing_user_id"`
	Ambiguous      bool   `json:"ambiguous"`
	Detail         string `json:"detail"`
}

type identityBody struct {
	Identity model.Identity `json:"identity"`
	Created  bool           `json:"created"`
}
