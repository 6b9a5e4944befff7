package magnet

import "testing"

func TestBuildIncludesDisplayName(t *testing.T) {
	hash := "0102030405060708090a0b0c0d0e0f1011121314"
	link := Build(hash, "ubuntu.iso", nil)
	if got, err := ParseInfoHash(link); err != nil || got != hash {
		t.Fatalf("ParseInfoHash(%q) = %q, %v; want %q, nil", link, got, err, hash)
	}
}

func TestBuildOmitsEmptyDisplayName(t *testing.T) {
	hash := "0102030405060708090a0b0c0d0e0f1011121314"
	link := Build(hash, "", nil)
	if got, err := ParseInfoHash(link); err != nil || got != hash {
		t.Fatalf("ParseInfoHash(%q) = %q, %v; want %q, nil", link, got, err, hash)
	}
}

func TestBuildAppendsTrackers(t *testing.T) {
	hash := "0102030405060708090a0b0c0d0e0f1011121314"
	link := Build(hash, "name", []string{"udp://tracker.example:80/announce"})
	if got, err := ParseInfoHash(link); err != nil || got != hash {
		t.Fatalf("ParseInfoHash(%q) = %q, %v; want %q, nil", link, got, err, hash)
	}
}

func TestParseInfoHashRejectsMissingXT(t *testing.T) {
	if _, err := ParseInfoHash("magnet:?dn=no-hash"); err == nil {
		t.Fatal("expected error for missing xt parameter")
	}
}

func TestParseInfoHashRejectsShortHash(t *testing.T) {
	if _, err := ParseInfoHash("magnet:?xt=urn:btih:abcd"); err == nil {
		t.Fatal("expected error for short info-hash")
	}
}
