package container

import "testing"

func TestGrow_GeometricStep(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{0, 16},
		{1, 16},
		{16, 16},
		{17, 32},
		{32, 32},
		{33, 48},
	}
	for _, c := range cases {
		if got := grow(c.n); got != c.want {
			t.Errorf("grow(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestArray_AppendAtStable(t *testing.T) {
	a := NewArray[string]()
	i0 := a.Append("zero")
	i1 := a.Append("one")
	i2 := a.Append("two")

	if a.At(i0) != "zero" || a.At(i1) != "one" || a.At(i2) != "two" {
		t.Fatalf("unexpected values after Append")
	}
	if a.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", a.Len())
	}
}

func TestArray_RemoveReusesHole(t *testing.T) {
	a := NewArray[int]()
	i0 := a.Append(10)
	i1 := a.Append(20)
	a.Remove(i0)

	if a.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", a.Len())
	}

	i2 := a.Append(30)
	if i2 != i0 {
		t.Fatalf("Append() after Remove = %d, want reused index %d", i2, i0)
	}
	if a.At(i1) != 20 {
		t.Fatalf("At(i1) = %d, want 20 (unaffected by hole reuse)", a.At(i1))
	}
}

func TestArray_EachSkipsHoles(t *testing.T) {
	a := NewArray[int]()
	a.Append(1)
	mid := a.Append(2)
	a.Append(3)
	a.Remove(mid)

	var got []int
	a.Each(func(idx int, v int) { got = append(got, v) })
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("Each() = %v, want [1 3]", got)
	}
}
