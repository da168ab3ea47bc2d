// Package peercred identifies the process on the other end of a socket so
// SecurityEvents can name their client.
package peercred

import (
	"fmt"
	"net"
)

// Identity describes a connected peer. PID, UID and GID are -1 when the
// platform cannot report them.
type Identity struct {
	PID     int32  `json:"pid"`
	UID     int32  `json:"uid"`
	GID     int32  `json:"gid"`
	Network string `json:"network"`
	Address string `json:"address,omitempty"`
}

// String renders the identity for audit records.
func (id Identity) String() string {
	if id.PID >= 0 {
		return fmt.Sprintf("pid=%d uid=%d gid=%d", id.PID, id.UID, id.GID)
	}
	if id.Address != "" {
		return id.Network + ":" + id.Address
	}
	return id.Network
}

// Of returns the identity of conn's peer. It never fails: when the kernel
// cannot be asked, the remote address is used.
func Of(conn net.Conn) Identity {
	id := Identity{PID: -1, UID: -1, GID: -1}
	switch addr := conn.RemoteAddr().(type) {
	case nil:
	case *net.UnixAddr:
		// Unnamed client sockets report an empty or abstract "@" name.
		id.Network = "unix"
		if addr != nil && addr.Name != "@" {
			id.Address = addr.Name
		}
	default:
		id.Network = addr.Network()
		id.Address = addr.String()
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if pid, uid, gid, err := ucred(uc); err == nil {
			id.PID, id.UID, id.GID = pid, uid, gid
		}
	}
	if id.Network == "" {
		id.Network = "unknown"
	}
	return id
}
