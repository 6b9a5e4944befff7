package dht

import (
	"net"
	"testing"
	"time"
)

func TestListenDirectRoundTrip(t *testing.T) {
	a, err := ListenDirect(0)
	if err != nil {
		t.Fatalf("ListenDirect a: %v", err)
	}
	defer a.Close()
	b, err := ListenDirect(0)
	if err != nil {
		t.Fatalf("ListenDirect b: %v", err)
	}
	defer b.Close()

	bAddr := b.(*directUDP).conn.LocalAddr().(*net.UDPAddr)

	if _, err := a.SendTo([]byte("ping"), bAddr); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	b.(*directUDP).conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := b.ReceiveFrom(buf)
	if err != nil {
		t.Fatalf("ReceiveFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("received %q, want %q", buf[:n], "ping")
	}
}

func TestListenDirectAssignsPortWhenZero(t *testing.T) {
	conn, err := ListenDirect(0)
	if err != nil {
		t.Fatalf("ListenDirect: %v", err)
	}
	defer conn.Close()
	addr := conn.(*directUDP).conn.LocalAddr().(*net.UDPAddr)
	if addr.Port == 0 {
		t.Fatal("expected OS to assign a nonzero port")
	}
}
