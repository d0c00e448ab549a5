package frontend

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/tcassar-diss/xdpchain/bpf"
	"go.uber.org/zap"
)

var (
	probeSrcMAC = net.HardwareAddr{0x02, 0x78, 0x64, 0x70, 0x00, 0x01}
	probeDstMAC = net.HardwareAddr{0x02, 0x78, 0x64, 0x70, 0x00, 0x02}
)

// ProbeFrame returns an ICMP echo request between two link-local addresses,
// the same kind of frame a ping across the interface would deliver.
func ProbeFrame() ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       probeSrcMAC,
		DstMAC:       probeDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(169, 254, 0, 1),
		DstIP:    net.IPv4(169, 254, 0, 2),
	}

	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       0x7864,
		Seq:      1,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if err := gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload("xdpchain probe")); err != nil {
		return nil, fmt.Errorf("failed to serialize probe frame: %w", err)
	}

	return buf.Bytes(), nil
}

// Probe runs a synthetic ping through p without touching the interface and
// logs the verdict.
func Probe(logger *zap.SugaredLogger, p *bpf.Program) (bpf.Verdict, error) {
	frame, err := ProbeFrame()
	if err != nil {
		return bpf.XDPAborted, err
	}

	verdict, err := p.TestRun(frame)
	if err != nil {
		return bpf.XDPAborted, fmt.Errorf("failed to test run %s: %w", p.Name(), err)
	}

	logger.Infow("probe finished", "program", p.Name(), "verdict", verdict.String())

	return verdict, nil
}
