// Package store persists the membership state to local disk.
//
// The layout is a single file, <root>/peer_service/cluster_state, whose
// contents are exactly the encoded state. A store constructed with an empty
// root is disabled: every operation succeeds without touching disk.
package store

import (
    "errors"
    "fmt"
    "io/fs"
    "os"
    "path/filepath"

    "github.com/amirimatin/go-peerservice/pkg/state"
)

const (
    // Dir is the directory under the data root holding the state file.
    Dir = "peer_service"
    // FileName is the name of the state file.
    FileName = "cluster_state"
)

// ErrNotFound is returned by Load when no state has been committed yet.
var ErrNotFound = errors.New("store: no persisted state")

// Error describes a storage fault.
type Error struct {
    Op   string
    Path string
    Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Store is the durable side of the manager's write-through.
type Store interface {
    Enabled() bool
    Path() string
    Load(typ state.Type) (state.MembershipState, error)
    Save(s state.MembershipState) error
    Erase() error
}

// File is the file-backed Store.
type File struct {
    root string
}

// New returns a store rooted at root. An empty root disables persistence.
func New(root string) *File { return &File{root: root} }

// Enabled reports whether a data root is configured.
func (f *File) Enabled() bool { return f.root != "" }

// Path returns the state file path, or "" when disabled.
func (f *File) Path() string {
    if !f.Enabled() { return "" }
    return filepath.Join(f.root, Dir, FileName)
}

// Load reads and decodes the state file. Decode failures are returned as is;
// there is no partial-state fallback.
func (f *File) Load(typ state.Type) (state.MembershipState, error) {
    if !f.Enabled() { return nil, ErrNotFound }
    p := f.Path()
    fi, err := os.Stat(p)
    if errors.Is(err, fs.ErrNotExist) { return nil, ErrNotFound }
    if err != nil { return nil, &Error{Op: "stat", Path: p, Err: err} }
    if !fi.Mode().IsRegular() { return nil, ErrNotFound }
    buf, err := os.ReadFile(p)
    if err != nil { return nil, &Error{Op: "read", Path: p, Err: err} }
    s, err := typ.Decode(buf)
    if err != nil { return nil, &Error{Op: "decode", Path: p, Err: err} }
    return s, nil
}

// Save writes the full encoded state. The bytes go to a temporary file in
// the same directory which is synced and then renamed over the target, so a
// reader sees either the previous contents or the new ones.
func (f *File) Save(s state.MembershipState) error {
    if !f.Enabled() { return nil }
    p := f.Path()
    buf, err := s.Encode()
    if err != nil { return &Error{Op: "encode", Path: p, Err: err} }
    dir := filepath.Dir(p)
    if err := os.MkdirAll(dir, 0o755); err != nil { return &Error{Op: "mkdir", Path: dir, Err: err} }

    tmp, err := os.CreateTemp(dir, "."+FileName+".*.tmp")
    if err != nil { return &Error{Op: "create", Path: dir, Err: err} }
    tmpName := tmp.Name()
    cleanup := func() { _ = os.Remove(tmpName) }
    if _, err := tmp.Write(buf); err != nil {
        _ = tmp.Close(); cleanup()
        return &Error{Op: "write", Path: tmpName, Err: err}
    }
    if err := tmp.Sync(); err != nil {
        _ = tmp.Close(); cleanup()
        return &Error{Op: "sync", Path: tmpName, Err: err}
    }
    if err := tmp.Close(); err != nil {
        cleanup()
        return &Error{Op: "close", Path: tmpName, Err: err}
    }
    if err := os.Chmod(tmpName, 0o644); err != nil {
        cleanup()
        return &Error{Op: "chmod", Path: tmpName, Err: err}
    }
    if err := os.Rename(tmpName, p); err != nil {
        cleanup()
        return &Error{Op: "rename", Path: p, Err: err}
    }
    syncDir(dir)
    return nil
}

// Erase removes the state file. A missing file or directory is success.
func (f *File) Erase() error {
    if !f.Enabled() { return nil }
    p := f.Path()
    if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
        return &Error{Op: "remove", Path: p, Err: err}
    }
    return nil
}

// syncDir makes the rename durable. Not every platform supports syncing a
// directory handle, so failures are ignored.
func syncDir(dir string) {
    d, err := os.Open(dir)
    if err != nil { return }
    _ = d.Sync()
    _ = d.Close()
}

var _ Store = (*File)(nil)
