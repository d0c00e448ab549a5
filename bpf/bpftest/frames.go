package bpftest

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/tcassar-diss/xdpchain/bpf"
)

var (
	SrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	DstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	SrcIP  = net.IPv4(10, 0, 0, 1)
	DstIP  = net.IPv4(10, 0, 0, 2)
)

// ICMPEchoFrame returns an Ethernet/IPv4/ICMP echo request.
func ICMPEchoFrame() []byte {
	return serialize(
		&layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: layers.EthernetTypeIPv4},
		&layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: SrcIP, DstIP: DstIP},
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1},
		gopacket.Payload("ping"),
	)
}

// UDPFrame returns an Ethernet/IPv4/UDP datagram.
func UDPFrame() []byte {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: SrcIP, DstIP: DstIP}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	_ = udp.SetNetworkLayerForChecksum(ip)

	return serialize(
		&layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: layers.EthernetTypeIPv4},
		ip,
		udp,
		gopacket.Payload("query"),
	)
}

// IsICMP reports whether frame carries an IPv4 ICMP message.
func IsICMP(frame []byte) bool {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)

	return ok && ip.Protocol == layers.IPProtocolICMPv4
}

// SwapMACs exchanges the source and destination addresses of an Ethernet
// frame in place. It reports false if the frame is too short.
func SwapMACs(frame []byte) bool {
	if len(frame) < 14 {
		return false
	}

	var tmp [6]byte
	copy(tmp[:], frame[6:12])
	copy(frame[6:12], frame[0:6])
	copy(frame[0:6], tmp[:])

	return true
}

// Ethernet decodes the Ethernet header of frame.
func Ethernet(frame []byte) (*layers.Ethernet, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)

	return eth, ok
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}

	return buf.Bytes()
}

// ParentBehavior tail calls key 0 of table for ICMP frames and passes
// everything else.
func ParentBehavior(table string) Behavior {
	return func(ctx *Context) bpf.Verdict {
		if IsICMP(ctx.Frame) {
			if v, ok := ctx.TailCall(table, 0); ok {
				return v
			}
		}

		return bpf.XDPPass
	}
}

// ChildBehavior bounces the frame back out of the interface it arrived on.
func ChildBehavior() Behavior {
	return func(ctx *Context) bpf.Verdict {
		if !SwapMACs(ctx.Frame) {
			return bpf.XDPAborted
		}

		return bpf.XDPTx
	}
}
