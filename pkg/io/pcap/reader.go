// Package pcap reads network packets from capture files or live interfaces
// and normalizes them into raw events.
package pcap

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hed1ad/threatguard/pkg/event"
)

// source is the subset of pcapgo readers and handles the Reader consumes.
type source interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Reader reads packets from PCAP files or live interfaces.
type Reader struct {
	src        source
	closer     io.Closer
	normalizer *Normalizer
	isLive     bool
}

// NewFileReader creates a reader for pcap or pcapng files.
func NewFileReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	src, err := openCapture(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Reader{
		src:        src,
		closer:     file,
		normalizer: NewNormalizer(),
	}, nil
}

// FromReader decodes a capture held in r. The caller owns r.
func FromReader(r io.Reader) (*Reader, error) {
	src, err := openCapture(r)
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, normalizer: NewNormalizer()}, nil
}

// openCapture sniffs the magic number to pick the pcap or pcapng decoder.
func openCapture(r io.Reader) (source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// Read returns all packets as events.
func (r *Reader) Read() ([]event.RawEvent, error) {
	if r.src == nil {
		return nil, errors.New("reader not initialized")
	}

	var events []event.RawEvent
	packetSource := gopacket.NewPacketSource(r.src, r.src.LinkType())

	for packet := range packetSource.Packets() {
		if e := r.normalizer.Normalize(packet); len(e) > 0 {
			events = append(events, e)
		}
	}

	return events, nil
}

// Stream returns a channel of events for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan event.RawEvent, error) {
	if r.src == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan event.RawEvent, 1000)
	packetSource := gopacket.NewPacketSource(r.src, r.src.LinkType())

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packetSource.Packets():
				if !ok {
					return
				}
				e := r.normalizer.Normalize(packet)
				if len(e) == 0 {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Live reports whether the reader captures from an interface.
func (r *Reader) Live() bool { return r.isLive }

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Normalizer turns packets into raw events with the fields timestamp,
// source_ip, destination_ip, protocol, length and payload, plus the
// transport details src_port, dst_port, tcp_flags, ip_ttl and
// inter_arrival. Fields a packet does not carry are omitted.
type Normalizer struct {
	lastTimestamp float64
	seen          bool
}

// NewNormalizer creates a new packet normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize converts a packet to an event.
func (n *Normalizer) Normalize(packet gopacket.Packet) event.RawEvent {
	e := event.RawEvent{
		"length": event.Int(int64(len(packet.Data()))),
	}

	// Timestamp and inter-arrival time
	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		ts := float64(md.Timestamp.UnixNano()) / 1e9
		e["timestamp"] = event.Float(ts)
		if n.seen {
			e["inter_arrival"] = event.Float(ts - n.lastTimestamp)
		}
		n.lastTimestamp, n.seen = ts, true
	}

	// Network layer
	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		e["source_ip"] = event.Text(ip.SrcIP.String())
		e["destination_ip"] = event.Text(ip.DstIP.String())
		e["protocol"] = event.Int(int64(ip.Protocol))
		e["ip_ttl"] = event.Int(int64(ip.TTL))
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip := ipLayer.(*layers.IPv6)
		e["source_ip"] = event.Text(ip.SrcIP.String())
		e["destination_ip"] = event.Text(ip.DstIP.String())
		e["protocol"] = event.Int(int64(ip.NextHeader))
		e["ip_ttl"] = event.Int(int64(ip.HopLimit))
	}

	// Transport layer
	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		e["src_port"] = event.Int(int64(tcp.SrcPort))
		e["dst_port"] = event.Int(int64(tcp.DstPort))
		e["tcp_flags"] = event.Int(encodeTCPFlags(tcp))
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		e["src_port"] = event.Int(int64(udp.SrcPort))
		e["dst_port"] = event.Int(int64(udp.DstPort))
	}

	// Payload
	if app := packet.ApplicationLayer(); app != nil && len(app.Payload()) > 0 {
		e["payload"] = event.Text(string(app.Payload()))
	}

	return e
}

// FieldNames returns the names of every field Normalize may emit.
func (n *Normalizer) FieldNames() []string {
	return []string{
		"timestamp",
		"source_ip",
		"destination_ip",
		"protocol",
		"length",
		"payload",
		"src_port",
		"dst_port",
		"tcp_flags",
		"ip_ttl",
		"inter_arrival",
	}
}

// encodeTCPFlags converts TCP flags to a bitmask.
func encodeTCPFlags(tcp *layers.TCP) int64 {
	var flags int64
	if tcp.SYN {
		flags |= 1
	}
	if tcp.ACK {
		flags |= 2
	}
	if tcp.FIN {
		flags |= 4
	}
	if tcp.RST {
		flags |= 8
	}
	if tcp.PSH {
		flags |= 16
	}
	if tcp.URG {
		flags |= 32
	}
	return flags
}
