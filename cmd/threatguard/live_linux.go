package main

import (
	eventio "github.com/hed1ad/threatguard/pkg/io"
	"github.com/hed1ad/threatguard/pkg/io/pcap"
)

func openLive(iface string) (eventio.Reader, error) {
	r, err := pcap.NewLiveReader(iface)
	if err != nil {
		return nil, err
	}
	return r, nil
}
