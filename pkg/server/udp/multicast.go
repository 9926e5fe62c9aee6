// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// readFunc reads one datagram and reports whether it was addressed to a
// multicast group.
type readFunc func(b []byte) (n int, from netip.AddrPort, multicast bool, err error)

func unicastReader(conn *net.UDPConn) readFunc {
	return func(b []byte) (int, netip.AddrPort, bool, error) {
		n, from, err := conn.ReadFromUDPAddrPort(b)
		return n, from, false, err
	}
}

// joinGroup joins group on conn and returns a reader that tells group
// traffic from unicast by the destination address of each datagram.
func joinGroup(conn *net.UDPConn, group netip.Addr, ifi *net.Interface) (readFunc, error) {
	gaddr := &net.UDPAddr{IP: group.AsSlice()}

	if group.Is4() {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.JoinGroup(ifi, gaddr); err != nil {
			return nil, fmt.Errorf("failed to join multicast group %s: %w", group, err)
		}
		if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
			return nil, fmt.Errorf("failed to enable destination address reporting: %w", err)
		}
		return func(b []byte) (int, netip.AddrPort, bool, error) {
			n, cm, src, err := pc.ReadFrom(b)
			if err != nil {
				return 0, netip.AddrPort{}, false, err
			}
			return n, addrPort(src), cm != nil && cm.Dst.IsMulticast(), nil
		}, nil
	}

	pc := ipv6.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, gaddr); err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s: %w", group, err)
	}
	if err := pc.SetControlMessage(ipv6.FlagDst, true); err != nil {
		return nil, fmt.Errorf("failed to enable destination address reporting: %w", err)
	}
	return func(b []byte) (int, netip.AddrPort, bool, error) {
		n, cm, src, err := pc.ReadFrom(b)
		if err != nil {
			return 0, netip.AddrPort{}, false, err
		}
		return n, addrPort(src), cm != nil && cm.Dst.IsMulticast(), nil
	}, nil
}

func addrPort(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}
