package chainaddr

import "testing"

func TestChecksumKnownVectors(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		got, err := Checksum(want)
		if err != nil {
			t.Fatalf("checksum %s: %v", want, err)
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
		if !Valid(want) {
			t.Fatalf("expected %s to be valid", want)
		}
	}
}

func TestValidRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAe",
		"0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}
	for _, address := range cases {
		if Valid(address) {
			t.Fatalf("expected %q to be invalid", address)
		}
	}
}

func TestValidAcceptsSingleCase(t *testing.T) {
	if !Valid("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed") {
		t.Fatalf("expected lowercase address to be valid")
	}
	if !Valid("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED") {
		t.Fatalf("expected uppercase address to be valid")
	}
}
