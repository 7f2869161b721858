//go:build darwin

package main

import (
	"github.com/cuemby/epum/pkg/driver"
	"github.com/cuemby/epum/pkg/driver/lima"
	"github.com/rs/zerolog"
)

func defaultDriver(logger zerolog.Logger) driver.Driver {
	return lima.New(logger)
}
