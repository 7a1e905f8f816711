// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package admin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
	"github.com/rapidaai/voxrelay/internal/call"
	"github.com/rapidaai/voxrelay/internal/call/turn"
	"github.com/rapidaai/voxrelay/internal/callrecord"
	"github.com/rapidaai/voxrelay/internal/provider"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

func newTestManager(t *testing.T) *call.Manager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, callrecord.AutoMigrate(db))
	store := callrecord.NewStore(db, commons.NewNopLogger())

	return call.NewManager(codec.NewRegistry(), store, turn.DefaultConfig(), commons.NewNopLogger(),
		func() provider.Transcriber { return nil },
		func() provider.LLMClient { return nil },
		func() provider.Synthesizer { return nil },
	)
}

func TestHandleHealthz_ReturnsOK(t *testing.T) {
	mgr := newTestManager(t)
	s := NewServer(mgr, commons.NewNopLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReadiness_ReportsDependencyFailure(t *testing.T) {
	mgr := newTestManager(t)
	s := NewServer(mgr, commons.NewNopLogger(), func() error { return errors.New("redis unreachable") })

	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleListCalls_EmptyWhenNoActiveCalls(t *testing.T) {
	mgr := newTestManager(t)
	s := NewServer(mgr, commons.NewNopLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"calls":[],"count":0}`, rec.Body.String())
}

func TestHandleGetCall_NotFoundForUnknownID(t *testing.T) {
	mgr := newTestManager(t)
	s := NewServer(mgr, commons.NewNopLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/calls/nope", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
