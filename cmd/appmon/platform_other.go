//go:build !windows

package main

import (
	"github.com/eliteguard/appmon/internal/domain"
	"github.com/eliteguard/appmon/internal/platform"
)

func newKeyProvider() domain.KeyProvider { return platform.NewFileScopedKeyProvider() }

func newProcessController() domain.ProcessController { return platform.NewUnixProcessController() }
