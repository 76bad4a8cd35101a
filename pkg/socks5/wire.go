// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package socks5 implements the SOCKS5 server and client:
// RFC 1928 CONNECT and UDP ASSOCIATE, BIND unsupported. The wire
// codec is hand-rolled directly from RFC 1928's byte layout rather
// than built on a pre-packaged SOCKS5 library: those own their own
// listener/client lifecycle end to end and don't compose with this
// project's per-request Context and Net dispatch.
package socks5

import (
	"encoding/binary"
	"io"
	"net/netip"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
)

const (
	ver5 = 0x05

	methodNoAuth       byte = 0x00
	methodNoAcceptable byte = 0xff

	cmdConnect      byte = 0x01
	cmdBind         byte = 0x02
	cmdUDPAssociate byte = 0x03

	atypIPv4   byte = 0x01
	atypDomain byte = 0x03
	atypIPv6   byte = 0x04

	repSuccess       byte = 0x00
	repGeneralFail   byte = 0x01
	repCmdNotSupport byte = 0x07
	repHostUnreach   byte = 0x04
)

func invalidData(reason string) error {
	return rderr.IO(rderr.KindInvalidData, reason, nil)
}

// readGreeting reads VER,NMETHODS,METHODS[NMETHODS].
func readGreeting(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != ver5 {
		return nil, invalidData("socks5: bad greeting version")
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, err
	}
	return methods, nil
}

func chooseMethod(offered []byte) byte {
	for _, m := range offered {
		if m == methodNoAuth {
			return methodNoAuth
		}
	}
	return methodNoAcceptable
}

func writeMethodSelection(w io.Writer, method byte) error {
	_, err := w.Write([]byte{ver5, method})
	return err
}

// readRequest reads VER,CMD,RSV,ATYP,ADDR,PORT.
func readRequest(r io.Reader) (cmd byte, addr netaddr.Address, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, netaddr.Address{}, err
	}
	if hdr[0] != ver5 {
		return 0, netaddr.Address{}, invalidData("socks5: bad request version")
	}
	addr, err = decodeAddr(r, hdr[3])
	if err != nil {
		return 0, netaddr.Address{}, err
	}
	return hdr[1], addr, nil
}

// decodeAddr reads an ATYP-tagged address body (no leading ATYP byte --
// the caller has already consumed it) followed by a big-endian port.
func decodeAddr(r io.Reader, atyp byte) (netaddr.Address, error) {
	switch atyp {
	case atypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netaddr.Address{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return netaddr.Address{}, err
		}
		return netaddr.FromIP(netip.AddrFrom4(b), port)
	case atypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netaddr.Address{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return netaddr.Address{}, err
		}
		return netaddr.FromIP(netip.AddrFrom16(b), port)
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return netaddr.Address{}, err
		}
		domain := make([]byte, l[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return netaddr.Address{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return netaddr.Address{}, err
		}
		return netaddr.FromDomain(string(domain), port)
	default:
		return netaddr.Address{}, invalidData("socks5: unknown ATYP")
	}
}

func readPort(r io.Reader) (int, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b[:])), nil
}

// encodeAddr writes ATYP,ADDR,PORT for addr.
func encodeAddr(w io.Writer, addr netaddr.Address) error {
	if domain, port, ok := addr.Domain(); ok {
		if len(domain) > 255 {
			return invalidData("socks5: domain too long")
		}
		buf := make([]byte, 0, 4+len(domain)+2)
		buf = append(buf, atypDomain, byte(len(domain)))
		buf = append(buf, domain...)
		buf = appendPort(buf, port)
		_, err := w.Write(buf)
		return err
	}
	ip, ok := addr.IP()
	if !ok {
		return invalidData("socks5: address has neither domain nor ip")
	}
	if ip.Is4() {
		a4 := ip.As4()
		buf := append([]byte{atypIPv4}, a4[:]...)
		buf = appendPort(buf, addr.Port())
		_, err := w.Write(buf)
		return err
	}
	a16 := ip.As16()
	buf := append([]byte{atypIPv6}, a16[:]...)
	buf = appendPort(buf, addr.Port())
	_, err := w.Write(buf)
	return err
}

func appendPort(buf []byte, port int) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], uint16(port))
	return append(buf, p[:]...)
}

// writeReply writes VER,REP,RSV,ATYP,ADDR,PORT.
func writeReply(w io.Writer, rep byte, bindAddr netaddr.Address) error {
	if _, err := w.Write([]byte{ver5, rep, 0x00}); err != nil {
		return err
	}
	return encodeAddr(w, bindAddr)
}

// writeGreeting writes the client's VER,NMETHODS,METHODS greeting,
// offering only "no auth" -- the client carries no credential
// exchange of its own.
func writeGreeting(w io.Writer) error {
	_, err := w.Write([]byte{ver5, 1, methodNoAuth})
	return err
}

// readMethodSelection reads the server's VER,METHOD reply to a client
// greeting.
func readMethodSelection(r io.Reader) (byte, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	if b[0] != ver5 {
		return 0, invalidData("socks5: bad method-selection version")
	}
	return b[1], nil
}

// writeRequest writes the client's VER,CMD,RSV,ATYP,ADDR,PORT request.
func writeRequest(w io.Writer, cmd byte, addr netaddr.Address) error {
	if _, err := w.Write([]byte{ver5, cmd, 0x00}); err != nil {
		return err
	}
	return encodeAddr(w, addr)
}

// readReply reads the server's VER,REP,RSV,ATYP,ADDR,PORT reply to a
// client request.
func readReply(r io.Reader) (rep byte, bindAddr netaddr.Address, err error) {
	var hdr [3]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, netaddr.Address{}, err
	}
	if hdr[0] != ver5 {
		return 0, netaddr.Address{}, invalidData("socks5: bad reply version")
	}
	var atyp [1]byte
	if _, err = io.ReadFull(r, atyp[:]); err != nil {
		return 0, netaddr.Address{}, err
	}
	bindAddr, err = decodeAddr(r, atyp[0])
	if err != nil {
		return 0, netaddr.Address{}, err
	}
	return hdr[1], bindAddr, nil
}

// decodeUDPDatagram parses the SOCKS5 UDP-in-UDP framing:
// [0x00, 0x00, FRAG, ATYP, ADDR, PORT, payload]. FRAG != 0 is rejected.
func decodeUDPDatagram(buf []byte) (addr netaddr.Address, payload []byte, err error) {
	if len(buf) < 4 {
		return netaddr.Address{}, nil, invalidData("socks5: udp datagram too short")
	}
	if buf[0] != 0 || buf[1] != 0 {
		return netaddr.Address{}, nil, invalidData("socks5: udp datagram bad RSV")
	}
	if buf[2] != 0 {
		return netaddr.Address{}, nil, invalidData("socks5: udp fragmentation unsupported")
	}
	r := &byteReader{buf: buf[4:]}
	atyp := buf[3]
	addr, err = decodeAddr(r, atyp)
	if err != nil {
		return netaddr.Address{}, nil, err
	}
	return addr, r.buf[r.pos:], nil
}

// encodeUDPDatagram writes the SOCKS5 UDP-in-UDP framing around addr
// and payload.
func encodeUDPDatagram(addr netaddr.Address, payload []byte) ([]byte, error) {
	var body []byte
	buf := &sliceWriter{}
	if err := encodeAddr(buf, addr); err != nil {
		return nil, err
	}
	body = buf.b
	out := make([]byte, 0, 3+len(body)+len(payload))
	out = append(out, 0x00, 0x00, 0x00)
	out = append(out, body...)
	out = append(out, payload...)
	return out, nil
}

// byteReader is a tiny io.Reader over a byte slice, used by
// decodeUDPDatagram so decodeAddr's io.Reader-based parsing can be
// reused for the UDP framing without a bytes.Reader allocation per
// packet on the hot datagram path.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}

type sliceWriter struct{ b []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}
