package job

import (
	"strconv"
	"strings"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	j, err := Parse(strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if j.MaxCycles != defaultMaxCycles {
		t.Errorf("MaxCycles = %d, want %d", j.MaxCycles, defaultMaxCycles)
	}
	if len(j.RWMap) != 1 || j.RWMap[0] != (AddrRange{0, 511}) {
		t.Errorf("RWMap default = %v, want [0,511]", j.RWMap)
	}
	if j.Terminate != DefaultTerminations() {
		t.Errorf("Terminate = %+v, want all true", j.Terminate)
	}
}

func TestParseInitTiling(t *testing.T) {
	j, err := Parse(strings.NewReader(`{"init":[{"base":512,"data":"utf8:ab","size":5}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rec := j.Init[0]
	img := TiledImage(rec.Data, 5)
	if string(img) != "ababa" {
		t.Errorf("tiled image = %q, want %q", img, "ababa")
	}
}

func TestParseInitOverflowsAddressSpace(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"init":[{"base":65530,"data":"utf8:1234567890"}]}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "init[0]") {
		t.Errorf("error %q does not name offending field", err)
	}
}

func TestParseBadBlobPrefix(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"serial_in_data":"raw:xx"}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "serial_in_data") {
		t.Errorf("error %q does not name offending field", err)
	}
}

func TestParseInvertedRWMapRange(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"rwmap":[[10,5]]}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestParseMaxCyclesBounds(t *testing.T) {
	for _, v := range []int{0, 8, 10_000_001} {
		body := strings.NewReader(`{"max_cycles":` + strconv.Itoa(v) + `}`)
		if _, err := Parse(body); err == nil {
			t.Errorf("max_cycles=%d: expected validation error", v)
		}
	}
}

func TestParseSignalTimelineSortedAndCapped(t *testing.T) {
	j, err := Parse(strings.NewReader(`{"nmi":[300,100,200]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []int{100, 200, 300}
	if len(j.NMI) != 3 || j.NMI[0] != want[0] || j.NMI[1] != want[1] || j.NMI[2] != want[2] {
		t.Errorf("NMI = %v, want sorted %v", j.NMI, want)
	}

	long := "["
	for i := 0; i < 21; i++ {
		if i > 0 {
			long += ","
		}
		long += strconv.Itoa(i)
	}
	long += "]"
	if _, err := Parse(strings.NewReader(`{"irq":` + long + `}`)); err == nil {
		t.Fatal("expected validation error for oversize timeline")
	}
}

func TestDecodeBlob(t *testing.T) {
	b, err := DecodeBlob("utf8:HI")
	if err != nil || string(b) != "HI" {
		t.Fatalf("DecodeBlob utf8 = %q, %v", b, err)
	}
	b, err = DecodeBlob("base64:SEk=")
	if err != nil || string(b) != "HI" {
		t.Fatalf("DecodeBlob base64 = %q, %v", b, err)
	}
	if _, err := DecodeBlob("bogus:HI"); err == nil {
		t.Fatal("expected error for bad prefix")
	}
}
