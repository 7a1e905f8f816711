// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package version exposes the build identity of the running gateway binary.
// Mirrors the original_source "version" module: a single place callers go
// to for the build identity; the admin console's /healthz reports it.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// These are overridden at build time via:
//
//	go build -ldflags "-X github.com/rapidaai/voxrelay/pkg/version.gitSHA=... -X .../version.buildDate=..."
var (
	gitSHA    = "unknown"
	buildDate = "unknown"
)

// Info is the full build identity of the binary.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"gitSha"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

var (
	once   sync.Once
	cached Info
)

// Get returns the cached build Info, computing it on first call from
// runtime/debug build info (module version) plus the ldflags-injected SHA
// and date.
func Get() Info {
	once.Do(func() {
		cached = Info{
			Version:   moduleVersion(),
			GitSHA:    gitSHA,
			BuildDate: buildDate,
			GoVersion: goRuntimeVersion(),
		}
	})
	return cached
}

// String renders the build identity as "<version> (<sha>, built <date>,
// <go version>)"; an unstamped local build renders as
// "dev (unknown, built unknown, <go version>)".
func String() string {
	i := Get()
	return fmt.Sprintf("%s (%s, built %s, %s)", i.Version, i.GitSHA, i.BuildDate, i.GoVersion)
}

func moduleVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func goRuntimeVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}
