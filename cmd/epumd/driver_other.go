//go:build !darwin

package main

import (
	"github.com/cuemby/epum/pkg/driver"
	"github.com/cuemby/epum/pkg/driver/memdriver"
	"github.com/rs/zerolog"
)

// defaultDriver falls back to the in-memory IaaS double outside darwin,
// where the lima driver's build tag excludes it entirely.
func defaultDriver(_ zerolog.Logger) driver.Driver {
	return memdriver.New()
}
