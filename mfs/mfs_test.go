package mfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	bserv "github.com/ipfs/boxo/blockservice"
	bstore "github.com/ipfs/boxo/blockstore"
	offline "github.com/ipfs/boxo/exchange/offline"
	dag "github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-test/random"

	"github.com/ipfs-shipyard/go-merkledir/dagdir"
)

func testStores(t testing.TB) (ds.Datastore, ipld.DAGService) {
	t.Helper()
	dstore := dssync.MutexWrap(ds.NewMapDatastore())
	bs := bstore.NewBlockstore(dstore)
	return dstore, dag.NewDAGService(bserv.New(bs, offline.Exchange(bs)))
}

func testRoot(t testing.TB, opts ...RootOption) *Root {
	t.Helper()
	dstore, dserv := testStores(t)
	r, err := NewRoot(dserv, dstore, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func readFile(t *testing.T, r *Root, pth string) []byte {
	t.Helper()
	rd, err := Read(context.Background(), r, pth)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRootInitialization(t *testing.T) {
	ctx := context.Background()
	dstore, dserv := testStores(t)
	r, err := NewRoot(dserv, dstore)
	if err != nil {
		t.Fatal(err)
	}

	c, err := r.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Equals(ft.EmptyDirNode().Cid()) {
		t.Fatalf("fresh root is %s, wanted the empty directory", c)
	}

	// the pointer is durable
	val, err := dstore.Get(ctx, DefaultRootKey)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := cid.Cast(val)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Equals(c) {
		t.Fatalf("stored pointer %s does not match root %s", stored, c)
	}
}

func TestRootReopen(t *testing.T) {
	ctx := context.Background()
	dstore, dserv := testStores(t)
	r1, err := NewRoot(dserv, dstore)
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("persisted across reopens")
	if err := WriteBytes(ctx, r1, "/note.txt", content, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	c1, err := r1.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}

	r2, err := NewRoot(dserv, dstore)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := r2.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !c2.Equals(c1) {
		t.Fatalf("reopened root is %s, wanted %s", c2, c1)
	}
	if got := readFile(t, r2, "/note.txt"); !bytes.Equal(got, content) {
		t.Fatal("content changed across reopen")
	}
}

func TestCorruptRootPointer(t *testing.T) {
	ctx := context.Background()
	dstore, dserv := testStores(t)
	garbage := []byte("not a cid")
	if err := dstore.Put(ctx, DefaultRootKey, garbage); err != nil {
		t.Fatal(err)
	}

	r, err := NewRoot(dserv, dstore)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RootCid(ctx); err == nil {
		t.Fatal("expected an error for a corrupt root pointer")
	}

	// the pointer was not replaced by a fresh root
	val, err := dstore.Get(ctx, DefaultRootKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(val, garbage) {
		t.Fatal("corrupt pointer was overwritten")
	}
}

func TestMkdir(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)

	if err := Mkdir(ctx, r, "/dir", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	ok, err := Exists(ctx, r, "/dir")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("/dir should exist")
	}

	if err := Mkdir(ctx, r, "/dir", MkdirOpts{}); !errors.Is(err, os.ErrExist) {
		t.Fatalf("recreating: got %v, wanted os.ErrExist", err)
	}
	if err := Mkdir(ctx, r, "/dir", MkdirOpts{Mkparents: true}); err != nil {
		t.Fatalf("recreating with parents: %v", err)
	}

	if err := Mkdir(ctx, r, "/a/b/c", MkdirOpts{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing parents: got %v, wanted os.ErrNotExist", err)
	}
	if err := Mkdir(ctx, r, "/a/b/c", MkdirOpts{Mkparents: true}); err != nil {
		t.Fatal(err)
	}
	for _, pth := range []string{"/a", "/a/b", "/a/b/c"} {
		ok, err := Exists(ctx, r, pth)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("%s should exist", pth)
		}
	}

	if err := WriteBytes(ctx, r, "/file", []byte("x"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Mkdir(ctx, r, "/file", MkdirOpts{Mkparents: true}); !errors.Is(err, dagdir.ErrNotADirectory) {
		t.Fatalf("mkdir over a file: got %v, wanted ErrNotADirectory", err)
	}
	if err := Mkdir(ctx, r, "/file/sub", MkdirOpts{}); !errors.Is(err, dagdir.ErrNotADirectory) {
		t.Fatalf("mkdir below a file: got %v, wanted ErrNotADirectory", err)
	}

	if err := Mkdir(ctx, r, "/", MkdirOpts{}); !errors.Is(err, os.ErrExist) {
		t.Fatalf("mkdir /: got %v, wanted os.ErrExist", err)
	}
	if err := Mkdir(ctx, r, "/", MkdirOpts{Mkparents: true}); err != nil {
		t.Fatal(err)
	}

	if err := Mkdir(ctx, r, "dir", MkdirOpts{}); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("relative path: got %v, wanted ErrInvalidPath", err)
	}
}

func TestMkdirStat(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)
	when := time.Unix(1234567890, 0)

	if err := Mkdir(ctx, r, "/proj", MkdirOpts{Mode: 0o755, ModTime: when}); err != nil {
		t.Fatal(err)
	}
	st, err := Stat(ctx, r, "/proj")
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != TDir {
		t.Fatalf("got a %s, wanted a directory", st.Type)
	}
	if st.Mode.Perm() != 0o755 {
		t.Fatalf("mode 0%o, wanted 0755", st.Mode.Perm())
	}
	if !st.ModTime.Equal(when) {
		t.Fatalf("mtime %s, wanted %s", st.ModTime, when)
	}
}

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)

	content := []byte("hello merkle world")
	if err := WriteBytes(ctx, r, "/hello.txt", content, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/hello.txt"); !bytes.Equal(got, content) {
		t.Fatalf("read back %q, wrote %q", got, content)
	}

	// overwriting replaces the content
	replaced := []byte("replaced")
	if err := WriteBytes(ctx, r, "/hello.txt", replaced, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/hello.txt"); !bytes.Equal(got, replaced) {
		t.Fatalf("read back %q after overwrite", got)
	}

	// a file spanning several blocks survives the roundtrip
	big := random.Bytes(1 << 20)
	if err := WriteBytes(ctx, r, "/big.bin", big, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/big.bin"); !bytes.Equal(got, big) {
		t.Fatal("large file did not survive the roundtrip")
	}

	// custom chunker
	if err := WriteBytes(ctx, r, "/chunked.bin", big[:64<<10], WriteOpts{Chunker: "size-4096"}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/chunked.bin"); !bytes.Equal(got, big[:64<<10]) {
		t.Fatal("chunked file did not survive the roundtrip")
	}

	// raw leaves
	if err := WriteBytes(ctx, r, "/raw.bin", content, WriteOpts{RawLeaves: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/raw.bin"); !bytes.Equal(got, content) {
		t.Fatal("raw leaves file did not survive the roundtrip")
	}

	// missing parents
	err := WriteBytes(ctx, r, "/no/such/dir.txt", content, WriteOpts{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, wanted os.ErrNotExist", err)
	}
	if err := WriteBytes(ctx, r, "/deep/down/file.txt", content, WriteOpts{Parents: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/deep/down/file.txt"); !bytes.Equal(got, content) {
		t.Fatal("parented write did not survive the roundtrip")
	}

	// directories cannot be overwritten by files nor read as one
	if err := Mkdir(ctx, r, "/dir", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBytes(ctx, r, "/dir", content, WriteOpts{}); !errors.Is(err, ErrIsDirectory) {
		t.Fatalf("writing over a directory: got %v", err)
	}
	if _, err := Read(ctx, r, "/dir"); !errors.Is(err, ErrIsDirectory) {
		t.Fatalf("reading a directory: got %v", err)
	}
}

func TestWriteStat(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)
	when := time.Unix(1700000000, 0)

	if err := WriteBytes(ctx, r, "/f", []byte("x"), WriteOpts{Mode: 0o600, ModTime: when}); err != nil {
		t.Fatal(err)
	}
	st, err := Stat(ctx, r, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode.Perm() != 0o600 {
		t.Fatalf("mode 0%o, wanted 0600", st.Mode.Perm())
	}
	if !st.ModTime.Equal(when) {
		t.Fatalf("mtime %s, wanted %s", st.ModTime, when)
	}
	if got := readFile(t, r, "/f"); !bytes.Equal(got, []byte("x")) {
		t.Fatal("metadata rewrite changed the content")
	}
}

func TestLs(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)

	if err := WriteBytes(ctx, r, "/b.txt", []byte("bbbb"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBytes(ctx, r, "/a.txt", []byte("aa"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Mkdir(ctx, r, "/c", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}

	entries, err := Ls(ctx, r, "/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("listed %d entries, wanted 3", len(entries))
	}
	wantNames := []string{"a.txt", "b.txt", "c"}
	for i, e := range entries {
		if e.Name != wantNames[i] {
			t.Fatalf("entry %d is %q, wanted %q", i, e.Name, wantNames[i])
		}
	}
	if entries[0].Type != TFile || entries[0].Size != 2 {
		t.Fatalf("a.txt described as %s of %d bytes", entries[0].Type, entries[0].Size)
	}
	if entries[1].Size != 4 {
		t.Fatalf("b.txt has size %d, wanted 4", entries[1].Size)
	}
	if entries[2].Type != TDir || entries[2].Size != 0 {
		t.Fatalf("c described as %s of %d bytes", entries[2].Type, entries[2].Size)
	}

	entries, err = Ls(ctx, r, "/c")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("empty directory listed %d entries", len(entries))
	}

	if _, err := Ls(ctx, r, "/a.txt"); !errors.Is(err, dagdir.ErrNotADirectory) {
		t.Fatalf("ls on a file: got %v", err)
	}
	if _, err := Ls(ctx, r, "/missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ls on a missing path: got %v", err)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)

	content := []byte("stat me")
	if err := WriteBytes(ctx, r, "/f", content, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	st, err := Stat(ctx, r, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != TFile {
		t.Fatalf("got a %s, wanted a file", st.Type)
	}
	if st.Size != uint64(len(content)) {
		t.Fatalf("size %d, wanted %d", st.Size, len(content))
	}
	if st.Blocks != 1 {
		t.Fatalf("single block file counted %d blocks", st.Blocks)
	}
	if st.CumulativeSize <= st.Size {
		t.Fatalf("cumulative size %d should exceed the payload", st.CumulativeSize)
	}

	// 4 leaves plus the balanced root
	big := random.Bytes(1 << 20)
	if err := WriteBytes(ctx, r, "/big", big, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	st, err = Stat(ctx, r, "/big")
	if err != nil {
		t.Fatal(err)
	}
	if st.Blocks != 5 {
		t.Fatalf("1MiB file counted %d blocks, wanted 5", st.Blocks)
	}
	if st.Size != uint64(len(big)) {
		t.Fatalf("size %d, wanted %d", st.Size, len(big))
	}

	// identical children are counted once
	if err := Mkdir(ctx, r, "/two", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBytes(ctx, r, "/two/one", content, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBytes(ctx, r, "/two/other", content, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	st, err = Stat(ctx, r, "/two")
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != TDir {
		t.Fatalf("got a %s, wanted a directory", st.Type)
	}
	if st.Blocks != 2 {
		t.Fatalf("directory with twin children counted %d blocks, wanted 2", st.Blocks)
	}

	if _, err := Stat(ctx, r, "/absent"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat on a missing path: got %v", err)
	}
}

func TestCp(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)

	content := []byte("copy on write")
	if err := WriteBytes(ctx, r, "/orig", content, WriteOpts{}); err != nil {
		t.Fatal(err)
	}

	if err := Cp(ctx, r, "/orig", "/copy", CpOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/copy"); !bytes.Equal(got, content) {
		t.Fatal("copy reads different content")
	}

	// both names point at the same node
	ro, err := r.Resolve(ctx, "/orig")
	if err != nil {
		t.Fatal(err)
	}
	rc, err := r.Resolve(ctx, "/copy")
	if err != nil {
		t.Fatal(err)
	}
	if !ro.Cid.Equals(rc.Cid) {
		t.Fatalf("copy got its own node %s, original is %s", rc.Cid, ro.Cid)
	}

	// an existing destination is preserved
	if err := Cp(ctx, r, "/orig", "/copy", CpOpts{}); !errors.Is(err, os.ErrExist) {
		t.Fatalf("overwriting copy: got %v, wanted os.ErrExist", err)
	}

	// copying into a directory uses the source name
	if err := Mkdir(ctx, r, "/backup", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Cp(ctx, r, "/orig", "/backup", CpOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/backup/orig"); !bytes.Equal(got, content) {
		t.Fatal("copy into directory failed")
	}

	// missing parents of the destination
	if err := Cp(ctx, r, "/orig", "/n/e/w", CpOpts{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, wanted os.ErrNotExist", err)
	}
	if err := Cp(ctx, r, "/orig", "/n/e/w", CpOpts{Parents: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/n/e/w"); !bytes.Equal(got, content) {
		t.Fatal("parented copy failed")
	}

	// missing source
	if err := Cp(ctx, r, "/nope", "/elsewhere", CpOpts{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, wanted os.ErrNotExist", err)
	}

	// directories are copied by reference too
	if err := Cp(ctx, r, "/backup", "/backup2", CpOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/backup2/orig"); !bytes.Equal(got, content) {
		t.Fatal("directory copy failed")
	}
}

func TestCpFromImmutablePath(t *testing.T) {
	ctx := context.Background()
	dstore, dserv := testStores(t)
	r, err := NewRoot(dserv, dstore)
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("already in the blockstore")
	nd := dag.NodeWithData(ft.FilePBData(content, uint64(len(content))))
	if err := dserv.Add(ctx, nd); err != nil {
		t.Fatal(err)
	}

	if err := Cp(ctx, r, "/ipfs/"+nd.Cid().String(), "/pinned.txt", CpOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/pinned.txt"); !bytes.Equal(got, content) {
		t.Fatal("content differs from the blockstore node")
	}

	// a bare CID copied into a directory keeps the CID as its name
	if err := Cp(ctx, r, "/ipfs/"+nd.Cid().String(), "/", CpOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/"+nd.Cid().String()); !bytes.Equal(got, content) {
		t.Fatal("copy into the root failed")
	}

	// a path below the CID resolves before binding
	if err := Mkdir(ctx, r, "/wrap", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Cp(ctx, r, "/pinned.txt", "/wrap/inner.txt", CpOpts{}); err != nil {
		t.Fatal(err)
	}
	wrapRes, err := r.Resolve(ctx, "/wrap")
	if err != nil {
		t.Fatal(err)
	}
	if err := Cp(ctx, r, "/ipfs/"+wrapRes.Cid.String()+"/inner.txt", "/again.txt", CpOpts{}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/again.txt"); !bytes.Equal(got, content) {
		t.Fatal("copy through an immutable path failed")
	}

	// garbage CIDs are rejected
	if err := Cp(ctx, r, "/ipfs/queasy", "/x", CpOpts{}); err == nil {
		t.Fatal("expected an error for an invalid CID")
	}
}

func TestMv(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)

	content := []byte("movable")
	if err := WriteBytes(ctx, r, "/a/f.txt", content, WriteOpts{Parents: true}); err != nil {
		t.Fatal(err)
	}

	if err := Mv(ctx, r, "/a/f.txt", "/g.txt"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/g.txt"); !bytes.Equal(got, content) {
		t.Fatal("content lost in move")
	}
	ok, err := Exists(ctx, r, "/a/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("source still exists after move")
	}

	// directories move whole
	if err := Mkdir(ctx, r, "/olddir", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBytes(ctx, r, "/olddir/data", content, WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Mv(ctx, r, "/olddir", "/newdir"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/newdir/data"); !bytes.Equal(got, content) {
		t.Fatal("directory move lost content")
	}
	ok, err = Exists(ctx, r, "/olddir")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("moved directory still exists")
	}

	// moving into a directory keeps the base name
	if err := Mkdir(ctx, r, "/hold", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Mv(ctx, r, "/g.txt", "/hold"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, r, "/hold/g.txt"); !bytes.Equal(got, content) {
		t.Fatal("move into directory failed")
	}

	// a directory cannot move under itself
	if err := Mv(ctx, r, "/hold", "/hold/sub"); err == nil {
		t.Fatal("expected an error moving a directory under itself")
	}

	// a missing source fails before anything changes
	if err := Mv(ctx, r, "/ghost", "/dst"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, wanted os.ErrNotExist", err)
	}
}

func TestRm(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)

	if err := WriteBytes(ctx, r, "/f", []byte("x"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Rm(ctx, r, "/f"); err != nil {
		t.Fatal(err)
	}
	ok, err := Exists(ctx, r, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("/f still exists")
	}
	if err := Rm(ctx, r, "/f"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("removing twice: got %v, wanted os.ErrNotExist", err)
	}
	if err := Rm(ctx, r, "/"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("removing the root: got %v, wanted ErrInvalidPath", err)
	}

	// removing a directory drops everything below it
	if err := WriteBytes(ctx, r, "/d/deep/file", []byte("y"), WriteOpts{Parents: true}); err != nil {
		t.Fatal(err)
	}
	if err := Rm(ctx, r, "/d"); err != nil {
		t.Fatal(err)
	}
	for _, pth := range []string{"/d", "/d/deep", "/d/deep/file"} {
		ok, err := Exists(ctx, r, pth)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("%s still exists", pth)
		}
	}
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)
	when := time.Unix(1234567890, 0)

	if err := WriteBytes(ctx, r, "/f", []byte("data"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Touch(ctx, r, "/f", TouchOpts{Mtime: when}); err != nil {
		t.Fatal(err)
	}
	st, err := Stat(ctx, r, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if !st.ModTime.Equal(when) {
		t.Fatalf("mtime %s, wanted %s", st.ModTime, when)
	}
	if got := readFile(t, r, "/f"); !bytes.Equal(got, []byte("data")) {
		t.Fatal("touch changed the content")
	}

	// touching a missing path creates an empty file
	if err := Touch(ctx, r, "/new", TouchOpts{Mtime: when}); err != nil {
		t.Fatal(err)
	}
	st, err = Stat(ctx, r, "/new")
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != TFile || st.Size != 0 {
		t.Fatalf("touched file described as %s of %d bytes", st.Type, st.Size)
	}
	if !st.ModTime.Equal(when) {
		t.Fatalf("mtime of created file is %s, wanted %s", st.ModTime, when)
	}

	// directories can be touched too
	if err := Mkdir(ctx, r, "/dir", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Touch(ctx, r, "/dir", TouchOpts{Mtime: when}); err != nil {
		t.Fatal(err)
	}
	st, err = Stat(ctx, r, "/dir")
	if err != nil {
		t.Fatal(err)
	}
	if !st.ModTime.Equal(when) {
		t.Fatalf("directory mtime %s, wanted %s", st.ModTime, when)
	}

	// a zero Mtime means now
	before := time.Now().Add(-time.Second)
	if err := Touch(ctx, r, "/f", TouchOpts{}); err != nil {
		t.Fatal(err)
	}
	st, err = Stat(ctx, r, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.ModTime.Before(before) {
		t.Fatalf("mtime %s was not refreshed", st.ModTime)
	}
}

func TestChmod(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)
	when := time.Unix(1234567890, 0)

	if err := WriteBytes(ctx, r, "/f", []byte("data"), WriteOpts{ModTime: when}); err != nil {
		t.Fatal(err)
	}
	if err := Chmod(ctx, r, "/f", 0o640); err != nil {
		t.Fatal(err)
	}
	st, err := Stat(ctx, r, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode.Perm() != 0o640 {
		t.Fatalf("mode 0%o, wanted 0640", st.Mode.Perm())
	}
	// the modification time survives the rewrite
	if !st.ModTime.Equal(when) {
		t.Fatalf("chmod moved mtime to %s", st.ModTime)
	}
	if got := readFile(t, r, "/f"); !bytes.Equal(got, []byte("data")) {
		t.Fatal("chmod changed the content")
	}

	if err := Mkdir(ctx, r, "/d", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Chmod(ctx, r, "/d", 0o700); err != nil {
		t.Fatal(err)
	}
	st, err = Stat(ctx, r, "/d")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode.Perm() != 0o700 {
		t.Fatalf("directory mode 0%o, wanted 0700", st.Mode.Perm())
	}

	if err := Chmod(ctx, r, "/absent", 0o644); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("chmod on a missing path: got %v", err)
	}

	// raw nodes cannot carry permissions
	if err := WriteBytes(ctx, r, "/raw", []byte("tiny"), WriteOpts{RawLeaves: true}); err != nil {
		t.Fatal(err)
	}
	if err := Chmod(ctx, r, "/raw", 0o644); !errors.Is(err, ErrNoMetadata) {
		t.Fatalf("chmod on a raw node: got %v, wanted ErrNoMetadata", err)
	}
}

func TestEmptyTreeReconvergence(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)

	c0, err := r.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := Mkdir(ctx, r, "/staging", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBytes(ctx, r, "/staging/draft", []byte("temporary"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Rm(ctx, r, "/staging"); err != nil {
		t.Fatal(err)
	}

	c3, err := r.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !c3.Equals(c0) {
		t.Fatalf("empty tree came back as %s, started as %s", c3, c0)
	}

	// the same holds on top of surviving content
	if err := WriteBytes(ctx, r, "/keep", []byte("stays"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	c4, err := r.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := Mkdir(ctx, r, "/scratch", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := Rm(ctx, r, "/scratch"); err != nil {
		t.Fatal(err)
	}
	c6, err := r.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !c6.Equals(c4) {
		t.Fatalf("tree %s should have reconverged to %s", c6, c4)
	}
}

func TestStructuralSharing(t *testing.T) {
	ctx := context.Background()
	dstore, dserv := testStores(t)
	r, err := NewRoot(dserv, dstore)
	if err != nil {
		t.Fatal(err)
	}

	if err := WriteBytes(ctx, r, "/docs/file1", []byte("one"), WriteOpts{Parents: true}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBytes(ctx, r, "/top.txt", []byte("top"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	before, err := r.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	topBefore, err := r.Resolve(ctx, "/top.txt")
	if err != nil {
		t.Fatal(err)
	}

	if err := WriteBytes(ctx, r, "/docs/file2", []byte("two"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	after, err := r.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.Equals(before) {
		t.Fatal("the root should have changed")
	}

	// the untouched sibling is the same node in both trees
	topAfter, err := r.Resolve(ctx, "/top.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !topAfter.Cid.Equals(topBefore.Cid) {
		t.Fatal("an untouched file was rebuilt")
	}

	// the old tree is still complete and unchanged
	oldFile, err := dagdir.Resolve(ctx, dserv, before, "docs/file1")
	if err != nil {
		t.Fatal(err)
	}
	newFile, err := r.Resolve(ctx, "/docs/file1")
	if err != nil {
		t.Fatal(err)
	}
	if !oldFile.Cid.Equals(newFile.Cid) {
		t.Fatal("file1 was rebuilt")
	}
	if _, err := dagdir.Resolve(ctx, dserv, before, "docs/file2"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("file2 leaked into the old tree")
	}
}

func dirIsSharded(t *testing.T, r *Root, dserv ipld.DAGService, pth string) bool {
	t.Helper()
	res, err := r.Resolve(context.Background(), pth)
	if err != nil {
		t.Fatal(err)
	}
	nd, err := dserv.Get(context.Background(), res.Cid)
	if err != nil {
		t.Fatal(err)
	}
	pbnd, ok := nd.(*dag.ProtoNode)
	if !ok {
		t.Fatal("directory is not a protobuf node")
	}
	fsn, err := ft.FSNodeFromBytes(pbnd.Data())
	if err != nil {
		t.Fatal(err)
	}
	return fsn.Type() == ft.THAMTShard
}

func TestShardedDirectoryLifecycle(t *testing.T) {
	ctx := context.Background()
	dstore, dserv := testStores(t)
	r, err := NewRoot(dserv, dstore, WithShardThreshold(500))
	if err != nil {
		t.Fatal(err)
	}

	if err := Mkdir(ctx, r, "/bucket", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}

	content := []byte("payload")
	for i := 0; i < 20; i++ {
		if err := WriteBytes(ctx, r, fmt.Sprintf("/bucket/entry-%02d", i), content, WriteOpts{}); err != nil {
			t.Fatal(err)
		}
	}
	if !dirIsSharded(t, r, dserv, "/bucket") {
		t.Fatal("directory over the threshold was not sharded")
	}

	// the listing still covers every entry
	entries, err := Ls(ctx, r, "/bucket")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 20 {
		t.Fatalf("listed %d entries, wanted 20", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("entry-%02d", i)
		if e.Name != want {
			t.Fatalf("entry %d is %q, wanted %q", i, e.Name, want)
		}
	}
	if got := readFile(t, r, "/bucket/entry-13"); !bytes.Equal(got, content) {
		t.Fatal("sharded entry unreadable")
	}

	// shrinking far enough collapses the directory again
	for i := 5; i < 20; i++ {
		if err := Rm(ctx, r, fmt.Sprintf("/bucket/entry-%02d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if dirIsSharded(t, r, dserv, "/bucket") {
		t.Fatal("directory under the threshold stayed sharded")
	}
	entries, err = Ls(ctx, r, "/bucket")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("%d entries after the collapse, wanted 5", len(entries))
	}
	if got := readFile(t, r, "/bucket/entry-00"); !bytes.Equal(got, content) {
		t.Fatal("entry lost in the collapse")
	}
}

func TestCanceledContext(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)
	if err := Mkdir(ctx, r, "/live", MkdirOpts{}); err != nil {
		t.Fatal(err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Mkdir(canceled, r, "/live/sub", MkdirOpts{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, wanted context.Canceled", err)
	}
	if _, err := Ls(canceled, r, "/live"); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, wanted context.Canceled", err)
	}

	// nothing moved
	ok, err := Exists(ctx, r, "/live/sub")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("canceled operation left changes behind")
	}
}

func TestWalkPathTrail(t *testing.T) {
	ctx := context.Background()
	r := testRoot(t)
	if err := WriteBytes(ctx, r, "/a/b/leaf.txt", []byte("zz"), WriteOpts{Parents: true}); err != nil {
		t.Fatal(err)
	}

	trail, err := r.WalkPath(ctx, "/a/b/leaf.txt", WalkOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 4 {
		t.Fatalf("trail has %d entries, wanted 4", len(trail))
	}
	names := []string{"", "a", "b", "leaf.txt"}
	for i, e := range trail {
		if e.Name != names[i] {
			t.Fatalf("trail entry %d is %q, wanted %q", i, e.Name, names[i])
		}
	}
	if trail[0].Type != TDir || trail.Leaf().Type != TFile {
		t.Fatal("trail types are off")
	}
	if trail[1].Directory() == nil {
		t.Fatal("directory entries should carry a handle")
	}
	if trail.Leaf().Directory() != nil {
		t.Fatal("file leaves should carry no directory handle")
	}

	// the final segment can be required to be a directory
	if _, err := r.WalkPath(ctx, "/a/b/leaf.txt", WalkOpts{FinalMustBeDir: true}); !errors.Is(err, dagdir.ErrNotADirectory) {
		t.Fatalf("got %v, wanted ErrNotADirectory", err)
	}
	// intermediate files stop the walk
	if _, err := r.WalkPath(ctx, "/a/b/leaf.txt/deeper", WalkOpts{}); !errors.Is(err, dagdir.ErrNotADirectory) {
		t.Fatalf("got %v, wanted ErrNotADirectory", err)
	}
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	dstore, dserv := testStores(t)

	var mu sync.Mutex
	var published []cid.Cid
	pf := func(ctx context.Context, c cid.Cid) error {
		mu.Lock()
		published = append(published, c)
		mu.Unlock()
		return nil
	}

	r, err := NewRoot(dserv, dstore, WithPublisher(pf))
	if err != nil {
		t.Fatal(err)
	}

	if err := WriteBytes(ctx, r, "/announced", []byte("hello"), WriteOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := r.WaitPub(ctx); err != nil {
		t.Fatal(err)
	}

	c, err := r.RootCid(ctx)
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	n := len(published)
	last := cid.Undef
	if n > 0 {
		last = published[n-1]
	}
	mu.Unlock()
	if n == 0 {
		t.Fatal("nothing was published")
	}
	if !last.Equals(c) {
		t.Fatalf("last published %s, root is %s", last, c)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}
