//go:build linux

package transport

import "testing"

func TestFilterAllowsNoAllowlist(t *testing.T) {
	f := Filter{VendorID: 0x1234, ProductID: 0x5678}
	if !f.Allows("1-2.3") {
		t.Fatal("empty allowlist must accept every bus path")
	}
}

func TestFilterAllowsPrefixMatch(t *testing.T) {
	f := Filter{AllowedPrefixes: []string{"1-2", "3-1"}}
	cases := map[string]bool{
		"1-2.3": true,
		"1-2":   true,
		"3-1.1": true,
		"1-3":   false,
		"":      false,
	}
	for path, want := range cases {
		if got := f.Allows(path); got != want {
			t.Errorf("Allows(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestParsePrefixes(t *testing.T) {
	got := ParsePrefixes(" 1-2, 3-1,,4-1 ")
	want := []string{"1-2", "3-1", "4-1"}
	if len(got) != len(want) {
		t.Fatalf("ParsePrefixes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ParsePrefixes = %v, want %v", got, want)
		}
	}
}

func TestParsePrefixesEmpty(t *testing.T) {
	if got := ParsePrefixes(""); got != nil {
		t.Fatalf("ParsePrefixes(\"\") = %v, want nil", got)
	}
}

func TestParseUEvent(t *testing.T) {
	msg := "add@/devices/pci0000:00/usb1/1-1\x00ACTION=add\x00DEVPATH=/devices/pci0000:00/usb1/1-1\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00"
	evt := parseUEvent([]byte(msg))
	if evt.action != "add" || evt.subsystem != "usb" || evt.devtype != "usb_device" {
		t.Fatalf("parseUEvent = %+v", evt)
	}
	if evt.devpath != "/devices/pci0000:00/usb1/1-1" {
		t.Fatalf("devpath = %q", evt.devpath)
	}
}
