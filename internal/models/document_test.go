package models

import "testing"

func TestPageAt(t *testing.T) {
	doc := Document{
		Source: "a.pdf",
		Pages:  []Page{{Number: 1, Offset: 0}, {Number: 2, Offset: 100}, {Number: 3, Offset: 250}},
	}
	cases := map[int]int{0: 1, 99: 1, 100: 2, 249: 2, 250: 3, 10000: 3}
	for offset, want := range cases {
		if got := doc.PageAt(offset); got != want {
			t.Errorf("PageAt(%d) = %d, want %d", offset, got, want)
		}
	}
	if got := (Document{}).PageAt(5); got != 0 {
		t.Errorf("PageAt without pages = %d, want 0", got)
	}
}

func TestChunkID(t *testing.T) {
	c := Chunk{Source: "data/ivf.pdf", Seq: 3}
	if got := c.ID(); got != "data/ivf.pdf#3" {
		t.Fatalf("ID() = %q", got)
	}
}
