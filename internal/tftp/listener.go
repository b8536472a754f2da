package tftp

import (
	"net"

	"github.com/rs/xid"
)

// Listener binds a single UDP endpoint and spawns a Transfer Engine
// task for every RRQ it decodes, mirroring the teacher's Serve loop:
// one shared listen socket, one goroutine per accepted transfer.
type Listener struct {
	conn *net.UDPConn
	cfg  Config
}

// Listen binds addr as given (the tftpd command defaults it to
// 0.0.0.0:69, the RFC 1350 port) and returns a Listener ready to Serve.
func Listen(addr *net.UDPAddr, cfg Config) (*Listener, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, cfg: cfg}, nil
}

// Addr reports the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close releases the listen socket, causing a blocked Serve to return.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Serve reads datagrams from the listen socket until it is closed.
// Each RRQ spawns an independent Transfer Engine goroutine bound to a
// new ephemeral endpoint; WRQ is logged and dropped; every other
// opcode arriving on the listen socket (it belongs to a per-transfer
// socket instead) and every decode failure is silently ignored, to
// keep the listener live against malformed probes.
func (l *Listener) Serve() error {
	log := l.cfg.logger()
	buf := make([]byte, 4096)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			log.Debugf("listener: dropping malformed packet from %s: %v", addr, err)
			continue
		}

		switch pkt.Op {
		case OpRRQ:
			id := xid.New().String()
			log.Infof("transfer %s: RRQ %q from %s", id, pkt.Filename, addr)
			remote := *addr
			req := pkt
			cfg := l.cfg
			if fl, ok := cfg.Logger.(FieldLogger); ok {
				cfg.Logger = fl.WithField("transfer", id)
			}
			go ServeRRQ(id, &remote, req, cfg)
		case OpWRQ:
			log.Infof("listener: dropping WRQ %q from %s (writes are not supported)", pkt.Filename, addr)
		default:
			log.Debugf("listener: dropping unexpected %s from %s", pkt.Op, addr)
		}
	}
}
