package unionfs

import (
	"testing"
	"time"

	"github.com/distr1/packagefs/internal/pkgfmt"
)

func pkgLeaf(t *testing.T, name string, mtime time.Time) pkgfmt.PackageNode {
	t.Helper()
	return pkgfmt.NewPackageFile(name, 0o644, 0, 0, mtime, nil, nil, 0, nil, nil)
}

func TestLeafAddPackageNodePrecedence(t *testing.T) {
	l := NewLeaf(2, "hello", nil)

	old := pkgLeaf(t, "hello", time.Unix(100, 0))
	if err := l.AddPackageNode(old); err != nil {
		t.Fatal(err)
	}
	if l.GetPackageNode() != old {
		t.Fatal("expected old to be head after first insert")
	}

	older := pkgLeaf(t, "hello", time.Unix(50, 0))
	if !l.WillBeFirstPackageNode(pkgLeaf(t, "hello", time.Unix(200, 0))) {
		t.Fatal("newer mtime should report WillBeFirstPackageNode")
	}
	if l.WillBeFirstPackageNode(older) {
		t.Fatal("older mtime should not report WillBeFirstPackageNode")
	}
	if err := l.AddPackageNode(older); err != nil {
		t.Fatal(err)
	}
	if l.GetPackageNode() != old {
		t.Fatal("older contributor must not become head")
	}

	newer := pkgLeaf(t, "hello", time.Unix(200, 0))
	if err := l.AddPackageNode(newer); err != nil {
		t.Fatal(err)
	}
	if l.GetPackageNode() != newer {
		t.Fatal("newer contributor must become head")
	}
}

func TestLeafRemovePackageNodeReelectsHead(t *testing.T) {
	l := NewLeaf(2, "hello", nil)
	a := pkgLeaf(t, "hello", time.Unix(100, 0))
	b := pkgLeaf(t, "hello", time.Unix(300, 0))
	c := pkgLeaf(t, "hello", time.Unix(200, 0))

	for _, pn := range []pkgfmt.PackageNode{a, b, c} {
		if err := l.AddPackageNode(pn); err != nil {
			t.Fatal(err)
		}
	}
	if l.GetPackageNode() != b {
		t.Fatalf("head = %v, want b (newest)", l.GetPackageNode())
	}

	l.RemovePackageNode(b)
	if l.GetPackageNode() != c {
		t.Fatalf("head after removing b = %v, want c (next newest)", l.GetPackageNode())
	}

	if l.IsOnlyPackageNode(c) {
		t.Fatal("a should still be present")
	}
	l.RemovePackageNode(a)
	if !l.IsOnlyPackageNode(c) {
		t.Fatal("c should now be the only contributor")
	}
}

func TestLeafPrepareForRemovalPinsFinal(t *testing.T) {
	l := NewLeaf(2, "hello", nil)
	a := pkgLeaf(t, "hello", time.Unix(100, 0))
	if err := l.AddPackageNode(a); err != nil {
		t.Fatal(err)
	}
	if !l.IsOnlyPackageNode(a) {
		t.Fatal("expected a to be the only contributor")
	}

	l.PrepareForRemoval()
	if l.GetPackageNode() != a {
		t.Fatal("GetPackageNode should still return the pinned final contributor")
	}
	if len(l.contributors) != 0 {
		t.Fatal("contributors must be emptied after PrepareForRemoval")
	}
}

func TestLeafCloneTransferPackageNodes(t *testing.T) {
	parent := NewDirectory(1, "", nil)
	l := NewLeaf(2, "hello", parent)
	a := pkgLeaf(t, "hello", time.Unix(100, 0))
	if err := l.AddPackageNode(a); err != nil {
		t.Fatal(err)
	}

	clone := l.CloneTransferPackageNodes(3)
	if clone.ID() == l.ID() {
		t.Fatal("clone must have a fresh node ID")
	}
	if clone.GetPackageNode() != a {
		t.Fatal("clone should now own the contributor list")
	}
	if l.GetPackageNode() != a {
		t.Fatal("original leaf should keep serving the pinned final contributor")
	}
	if len(l.contributors) != 0 {
		t.Fatal("original leaf's contributor list must be emptied")
	}
}

func TestLeafAddPackageNodeRejectsDirectory(t *testing.T) {
	l := NewLeaf(2, "hello", nil)
	dirNode := pkgfmt.NewPackageDirectory("hello", pkgfmt.ModeDir|0o755, 0, 0, time.Now(), nil, nil)
	if err := l.AddPackageNode(dirNode); err == nil {
		t.Fatal("expected error adding a directory package node to a Leaf")
	}
}
