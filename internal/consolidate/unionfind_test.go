package consolidate

import "testing"

func TestUnionFindGroupsConnectedMembers(t *testing.T) {
	uf := newUnionFind([]string{"a", "b", "c", "d", "e"})
	uf.union("a", "b")
	uf.union("b", "c")
	uf.union("d", "e")

	groups := uf.clusters()
	sizes := map[int]int{}
	for _, g := range groups {
		sizes[len(g)]++
	}
	if sizes[3] != 1 || sizes[2] != 1 {
		t.Fatalf("expected one group of 3 and one of 2, got sizes %+v from groups %+v", sizes, groups)
	}
}

func TestUnionFindSingletonsStayApart(t *testing.T) {
	uf := newUnionFind([]string{"x", "y", "z"})
	uf.union("x", "y")

	groups := uf.clusters()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(groups), groups)
	}
	if uf.find("x") != uf.find("y") {
		t.Fatalf("expected x and y to share a root")
	}
	if uf.find("z") == uf.find("x") {
		t.Fatalf("expected z to remain its own root")
	}
}

func TestUnionFindPathCompressionPreservesGrouping(t *testing.T) {
	uf := newUnionFind([]string{"1", "2", "3", "4"})
	uf.union("1", "2")
	uf.union("2", "3")
	uf.union("3", "4")

	root := uf.find("1")
	for _, id := range []string{"2", "3", "4"} {
		if uf.find(id) != root {
			t.Fatalf("expected %s to share root %s", id, root)
		}
	}
}
