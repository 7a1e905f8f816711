// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package preflight

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
	"github.com/rapidaai/voxrelay/internal/config"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

func testConfig(start, end int) *config.AppConfig {
	return &config.AppConfig{
		SIPConfig: config.SIPConfig{RTPPortRangeStart: start, RTPPortRangeEnd: end},
	}
}

func TestCheckCodecRegistry_PassesWithDefaultRegistry(t *testing.T) {
	assert.NoError(t, checkCodecRegistry(codec.NewRegistry()))
}

func TestCheckCodecRegistry_FailsOnNilRegistry(t *testing.T) {
	assert.Error(t, checkCodecRegistry(nil))
}

func TestCheckRTPPortRange_ValidEvenAlignedRange(t *testing.T) {
	assert.NoError(t, checkRTPPortRange(testConfig(20000, 20100)))
}

func TestCheckRTPPortRange_RejectsEmptyRange(t *testing.T) {
	assert.Error(t, checkRTPPortRange(testConfig(20000, 20000)))
}

func TestCheckRTPPortRange_RejectsSingleOddPortRange(t *testing.T) {
	// start odd, end = start+1 leaves no even port once aligned up.
	assert.Error(t, checkRTPPortRange(testConfig(20001, 20002)))
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	var ran []string
	checks := []Check{
		{Name: "ok", Run: func(ctx context.Context) error { ran = append(ran, "ok"); return nil }},
		{Name: "bad", Run: func(ctx context.Context) error { ran = append(ran, "bad"); return assert.AnError }},
		{Name: "never", Run: func(ctx context.Context) error { ran = append(ran, "never"); return nil }},
	}

	err := Run(context.Background(), commons.NewNopLogger(), checks)
	require.Error(t, err)
	assert.Equal(t, []string{"ok", "bad"}, ran)
}

func TestBuild_SkipsNilDependencies(t *testing.T) {
	cfg := testConfig(20000, 20100)
	checks := Build(cfg, codec.NewRegistry(), nil, nil)

	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"codec_registry", "rtp_port_range"}, names)
}

func TestCheckDatabase_MigratesSchemaOnFreshDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	assert.NoError(t, checkDatabase(context.Background(), db))
}
