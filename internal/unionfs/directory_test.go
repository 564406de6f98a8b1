package unionfs

import (
	"testing"
	"time"

	"github.com/distr1/packagefs/internal/pkgfmt"
)

func pkgDir(t *testing.T, name string, mtime time.Time) pkgfmt.PackageNode {
	t.Helper()
	return pkgfmt.NewPackageDirectory(name, pkgfmt.ModeDir|0o755, 0, 0, mtime, nil, nil)
}

func TestDirectoryAddRemovePackageNodePrecedence(t *testing.T) {
	d := NewDirectory(2, "bin", nil)
	older := pkgDir(t, "bin", time.Unix(100, 0))
	newer := pkgDir(t, "bin", time.Unix(200, 0))

	if err := d.AddPackageNode(older); err != nil {
		t.Fatal(err)
	}
	if !d.WillBeFirstPackageNode(newer) {
		t.Fatal("newer should report WillBeFirstPackageNode")
	}
	if err := d.AddPackageNode(newer); err != nil {
		t.Fatal(err)
	}
	if d.GetPackageNode() != newer {
		t.Fatal("newer contributor must become head, in place (same Directory)")
	}

	d.RemovePackageNode(newer)
	if d.GetPackageNode() != older {
		t.Fatal("removing the head must re-elect the remaining contributor")
	}
}

func TestDirectoryChildTableAndIteratorFixup(t *testing.T) {
	d := NewDirectory(1, "", nil)

	a := NewLeaf(10, "a", d)
	b := NewLeaf(11, "b", d)
	c := NewLeaf(12, "c", d)
	d.AddChild(a)
	d.AddChild(b)
	d.AddChild(c)

	if got := d.FindChild("b"); got != Node(b) {
		t.Fatalf("FindChild(b) = %v, want b", got)
	}

	it := d.NewIterator()
	defer it.Close()

	name, node, ok := it.Next()
	if !ok || name != "." || node != Node(d) {
		t.Fatalf(". entry = %q/%v/%v", name, node, ok)
	}
	name, node, ok = it.Next()
	if !ok || name != ".." {
		t.Fatalf(".. entry = %q/%v/%v", name, node, ok)
	}
	name, node, ok = it.Next()
	if !ok || name != "a" || node != Node(a) {
		t.Fatalf("first child = %q/%v/%v, want a", name, node, ok)
	}

	// Iterator is now positioned to return b next. Removing b must fix the
	// iterator up to skip straight to c instead of returning a stale or nil
	// entry.
	d.RemoveChild(b)

	name, node, ok = it.Next()
	if !ok || name != "c" || node != Node(c) {
		t.Fatalf("after removing b, next = %q/%v/%v, want c", name, node, ok)
	}

	_, _, ok = it.Next()
	if ok {
		t.Fatal("iterator should be exhausted after c")
	}

	if d.FindChild("b") != nil {
		t.Fatal("b should no longer be findable after RemoveChild")
	}
}

func TestDirectoryRemoveChildAtTailFixesUpToNil(t *testing.T) {
	d := NewDirectory(1, "", nil)
	a := NewLeaf(10, "a", d)
	b := NewLeaf(11, "b", d)
	d.AddChild(a)
	d.AddChild(b)

	it := d.NewIterator()
	defer it.Close()
	it.Next() // .
	it.Next() // ..
	it.Next() // a, cur now points at b's entry

	d.RemoveChild(b)

	_, _, ok := it.Next()
	if ok {
		t.Fatal("iterator should be exhausted once its successor entry was the removed tail")
	}
}
