//go:build !linux

package main

import (
	"errors"

	eventio "github.com/hed1ad/threatguard/pkg/io"
)

func openLive(string) (eventio.Reader, error) {
	return nil, errors.New("live capture is only supported on linux")
}
