package pathstate

import (
	"testing"
)

type counter struct {
	n    int
	list []int
}

func (o *counter) Clone() *counter {
	list := make([]int, len(o.list))
	copy(list, o.list)

	return &counter{
		n:    o.n,
		list: list,
	}
}

func TestMap_ForkIsDeepCopy(t *testing.T) {
	states := New(func() *counter { return &counter{} })

	parent := states.Get(1)
	parent.n = 5
	parent.list = append(parent.list, 1, 2)

	states.Fork(1, 2)

	child := states.Get(2)
	child.n++
	child.list[0] = 100
	child.list = append(child.list, 3)

	if parent.n != 5 {
		t.Fatalf("expected parent n to be 5 - got %d", parent.n)
	}

	if len(parent.list) != 2 || parent.list[0] != 1 {
		t.Fatalf("parent list was modified by child: %v", parent.list)
	}

	if child.n != 6 || len(child.list) != 3 {
		t.Fatalf("unexpected child state: %+v", child)
	}
}

func TestMap_LazyCreationAndDelete(t *testing.T) {
	created := 0
	states := New(func() *counter {
		created++
		return &counter{}
	})

	_, hasIt := states.Lookup(7)
	if hasIt {
		t.Fatal("lookup should not create a record")
	}

	states.Get(7)
	states.Get(7)
	if created != 1 {
		t.Fatalf("expected 1 record to be created - got %d", created)
	}

	states.Delete(7)
	if states.Len() != 0 {
		t.Fatalf("expected 0 records - got %d", states.Len())
	}
}

func TestMap_ForkUnseenParent(t *testing.T) {
	states := New(func() *counter { return &counter{n: 42} })

	states.Fork(10, 11)

	if states.Len() != 2 {
		t.Fatalf("expected parent and child records - got %d", states.Len())
	}

	if states.Get(11).n != 42 {
		t.Fatalf("expected child to start from a fresh record - got %d", states.Get(11).n)
	}

	if states.Get(10) == states.Get(11) {
		t.Fatal("parent and child must not alias")
	}
}
