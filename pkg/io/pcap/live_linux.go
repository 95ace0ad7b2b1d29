package pcap

import (
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ethernetHandle adapts a raw-socket capture handle to source.
type ethernetHandle struct {
	*pcapgo.EthernetHandle
}

func (ethernetHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

// NewLiveReader creates a reader capturing from iface through an AF_PACKET
// socket. It requires CAP_NET_RAW.
func NewLiveReader(iface string) (*Reader, error) {
	handle, err := pcapgo.NewEthernetHandle(iface)
	if err != nil {
		return nil, err
	}

	return &Reader{
		src:        ethernetHandle{handle},
		closer:     closerFunc(func() { handle.Close() }),
		normalizer: NewNormalizer(),
		isLive:     true,
	}, nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
