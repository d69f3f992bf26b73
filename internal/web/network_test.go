package web

import (
	"net"
	"reflect"
	"testing"
)

func TestFormatIfaceAddrs(t *testing.T) {
	mustCIDR := func(s string) *net.IPNet {
		ip, n, err := net.ParseCIDR(s)
		if err != nil {
			t.Fatalf("ParseCIDR(%q): %v", s, err)
		}
		n.IP = ip
		return n
	}
	addrs := []net.Addr{
		mustCIDR("192.168.10.2/24"),
		mustCIDR("169.254.1.1/16"), // link-local
		mustCIDR("fe80::1/64"),     // v6
		&net.IPAddr{IP: net.ParseIP("10.0.0.7")},
		&net.IPAddr{IP: net.ParseIP("127.0.0.1")},
	}
	got := formatIfaceAddrs("wlan0", addrs)
	want := []string{"wlan0: 192.168.10.2/24", "wlan0: 10.0.0.7"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got=%v want=%v", got, want)
	}
}
