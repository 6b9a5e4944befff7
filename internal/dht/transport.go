package dht

import "net"

// Datagrammer is the capability the spider needs from its transport: send
// a datagram to an address, receive one with its source. A raw UDP
// socket and a SOCKS5 UDP ASSOCIATE tunnel both satisfy it, selected once
// at startup, chosen once and used for the process lifetime.
type Datagrammer interface {
	SendTo(payload []byte, target *net.UDPAddr) (int, error)
	ReceiveFrom(buf []byte) (int, *net.UDPAddr, error)
	Close() error
}

// directUDP adapts *net.UDPConn to Datagrammer.
type directUDP struct {
	conn *net.UDPConn
}

// ListenDirect opens a raw UDP socket on port.
func ListenDirect(port int) (Datagrammer, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &directUDP{conn: conn}, nil
}

func (d *directUDP) SendTo(payload []byte, target *net.UDPAddr) (int, error) {
	return d.conn.WriteToUDP(payload, target)
}

func (d *directUDP) ReceiveFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := d.conn.ReadFromUDP(buf)
	return n, addr, err
}

func (d *directUDP) Close() error { return d.conn.Close() }
