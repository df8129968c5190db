package automount

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType selects the union member of a v5 autofs packet, per automount.c
// and the kernel's autofs_dev_ioctl interface. Only the direct-mount
// variants matter here: this core manages direct automounts only.
type PacketType uint32

const (
	PacketMissingDirect PacketType = 3
	PacketExpireDirect  PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case PacketMissingDirect:
		return "missing-direct"
	case PacketExpireDirect:
		return "expire-direct"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// packetSize is the fixed wire size of a v5 direct packet: protocol version,
// type, and token are all that the core's logic consults; the kernel's real
// union also carries dev/ino/uid/gid/pid and a path buffer, which this core
// treats as opaque trailing bytes it must still read off the pipe so framing
// stays correct, but never interprets.
const packetSize = 128

// Packet is the subset of a v5 direct autofs packet the job core acts on.
type Packet struct {
	ProtoVersion uint32
	Type         PacketType
	Token        uint32
}

// ReadPacket reads exactly one fixed-size packet from r — the kernel
// never splits or coalesces them. A short read or malformed header is an
// I/O error, which the caller must turn into failed(resources) — it is
// never silently retried.
func ReadPacket(r io.Reader) (Packet, error) {
	buf := make([]byte, packetSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Packet{}, fmt.Errorf("automount: short packet read: %w", err)
	}
	br := bytes.NewReader(buf)
	var p Packet
	if err := binary.Read(br, binary.LittleEndian, &p.ProtoVersion); err != nil {
		return Packet{}, err
	}
	var t uint32
	if err := binary.Read(br, binary.LittleEndian, &t); err != nil {
		return Packet{}, err
	}
	p.Type = PacketType(t)
	if err := binary.Read(br, binary.LittleEndian, &p.Token); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// WritePacket encodes p into a fixed-size frame, used only by the fake
// kernel in tests to synthesize missing/expire events on the pipe.
func WritePacket(w io.Writer, p Packet) error {
	buf := make([]byte, packetSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.ProtoVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Type))
	binary.LittleEndian.PutUint32(buf[8:12], p.Token)
	_, err := w.Write(buf)
	return err
}
