package iostates

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseStateInfoList(t *testing.T) {
	list, err := ParseStateInfoList("i24, o, o25,s2,i400")
	if err != nil {
		t.Fatal(err)
	}

	exp := []StateInfo{
		InputStateInfo{Offset: 24},
		OutputStateInfo{},
		OutputStateInfo{Valid: true, BufIndex: 25},
		SleepStateInfo{Sec: 2},
		InputStateInfo{Offset: 400},
	}

	if diff := cmp.Diff(exp, list); diff != "" {
		t.Fatalf("state info list mismatch (-want +got):\n%s", diff)
	}

	str := FormatStateInfoList(list)
	if str != "i24,o,o25,s2,i400" {
		t.Fatalf("expected \"i24,o,o25,s2,i400\" - got %q", str)
	}
}

func TestParseStateInfoList_Empty(t *testing.T) {
	list, err := ParseStateInfoList("  ")
	if err != nil {
		t.Fatal(err)
	}

	if len(list) != 0 {
		t.Fatalf("expected an empty list - got %v", list)
	}
}

func TestParseStateInfoList_Errors(t *testing.T) {
	for _, str := range []string{"i", "x1", "i24,,o", "oABC", "i-1"} {
		_, err := ParseStateInfoList(str)
		if err == nil {
			t.Fatalf("expected parsing %q to fail", str)
		}
	}
}

func TestLeakType_String(t *testing.T) {
	if LeakCanary.String() != "canary" {
		t.Fatalf("expected \"canary\" - got %q", LeakCanary.String())
	}

	if LeakType(42).String() != "leaktype(42)" {
		t.Fatalf("expected \"leaktype(42)\" - got %q", LeakType(42).String())
	}
}
