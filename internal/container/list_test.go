package container

import "testing"

type listItem struct {
	val int
	e   Elem[listItem]
}

func itemElem(i *listItem) *Elem[listItem] { return &i.e }

func TestList_PushBackOrder(t *testing.T) {
	l := NewList(itemElem)
	a := &listItem{val: 1}
	b := &listItem{val: 2}
	c := &listItem{val: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}

	var got []int
	l.Each(func(i *listItem) { got = append(got, i.val) })
	want := []int{1, 2, 3}
	for idx, v := range want {
		if got[idx] != v {
			t.Fatalf("Each() order = %v, want %v", got, want)
		}
	}
}

func TestList_RemoveMiddle(t *testing.T) {
	l := NewList(itemElem)
	a := &listItem{val: 1}
	b := &listItem{val: 2}
	c := &listItem{val: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	l.Remove(b)
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	if l.Linked(b) {
		t.Fatalf("Linked(b) = true after Remove")
	}

	var got []int
	l.Each(func(i *listItem) { got = append(got, i.val) })
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("Each() after remove = %v, want [1 3]", got)
	}
}

func TestList_PopFrontEmpty(t *testing.T) {
	l := NewList(itemElem)
	if e := l.PopFront(); e != nil {
		t.Fatalf("PopFront() on empty list = %v, want nil", e)
	}
}

func TestList_SameElementTwoLists(t *testing.T) {
	type dual struct {
		val  int
		eA   Elem[dual]
		eB   Elem[dual]
	}
	listA := NewList(func(d *dual) *Elem[dual] { return &d.eA })
	listB := NewList(func(d *dual) *Elem[dual] { return &d.eB })

	d := &dual{val: 42}
	listA.PushBack(d)
	listB.PushBack(d)

	if listA.Len() != 1 || listB.Len() != 1 {
		t.Fatalf("expected both lists to hold the shared element")
	}

	listA.Remove(d)
	if listA.Len() != 0 {
		t.Fatalf("Remove from listA did not unlink, Len() = %d", listA.Len())
	}
	if listB.Len() != 1 {
		t.Fatalf("Remove from listA should not affect listB, Len() = %d", listB.Len())
	}
}
