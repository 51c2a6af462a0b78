package imap

import (
	"reflect"
	"testing"
)

func TestParseSeqSetExpand(t *testing.T) {
	cases := []struct {
		in   string
		star uint32
		max  uint32
		want []uint32
	}{
		{"1", 10, 10, []uint32{1}},
		{"1:3", 10, 10, []uint32{1, 2, 3}},
		{"3:1", 10, 10, []uint32{1, 2, 3}},
		{"1,3,5", 10, 10, []uint32{1, 3, 5}},
		{"*", 7, 10, []uint32{7}},
		{"5:*", 7, 10, []uint32{5, 6, 7}},
		{"1:3,2:5", 10, 10, []uint32{1, 2, 3, 4, 5}},
	}
	for _, c := range cases {
		set, err := ParseSeqSet(c.in, c.star)
		if err != nil {
			t.Fatalf("ParseSeqSet(%q): %v", c.in, err)
		}
		got := set.Expand(c.max)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParseSeqSet(%q).Expand(%d) = %v, want %v", c.in, c.max, got, c.want)
		}
	}
}

func TestParseSeqSetEmptyMailboxUID(t *testing.T) {
	set, err := ParseSeqSet("*", 0)
	if err != nil {
		t.Fatalf("ParseSeqSet: %v", err)
	}
	if set.Contains(0) {
		t.Error("UID 0 must never match — it is not a real UID")
	}
	if len(set.Expand(0)) != 0 {
		t.Error("Expand over an empty mailbox should yield no results")
	}
}

func TestParseSeqSetInvalid(t *testing.T) {
	if _, err := ParseSeqSet("", 1); err == nil {
		t.Error("expected error for empty sequence set")
	}
	if _, err := ParseSeqSet("abc", 1); err == nil {
		t.Error("expected error for non-numeric sequence number")
	}
}

func TestSeqSetContains(t *testing.T) {
	set, err := ParseSeqSet("1:3,10", 20)
	if err != nil {
		t.Fatalf("ParseSeqSet: %v", err)
	}
	for _, v := range []uint32{1, 2, 3, 10} {
		if !set.Contains(v) {
			t.Errorf("expected set to contain %d", v)
		}
	}
	for _, v := range []uint32{4, 9, 11} {
		if set.Contains(v) {
			t.Errorf("expected set not to contain %d", v)
		}
	}
}
