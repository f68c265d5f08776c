// Package discovery provides the gossip seed addresses a node joins
// through on startup.
package discovery

// Discovery abstracts how seed nodes are provided.
type Discovery interface {
    Seeds() []string
}

type multi []Discovery

func (m multi) Seeds() []string {
    seen := make(map[string]struct{})
    var out []string
    for _, d := range m {
        if d == nil {
            continue
        }
        for _, s := range d.Seeds() {
            if _, dup := seen[s]; dup {
                continue
            }
            seen[s] = struct{}{}
            out = append(out, s)
        }
    }
    return out
}

// Combine returns a Discovery yielding the seeds of every ds, in order and
// without duplicates. Nil entries are skipped.
func Combine(ds ...Discovery) Discovery { return multi(ds) }

// JoinTargets returns the seeds of d without self. A node joining through
// its own gossip address learns nothing, so that address is skipped.
func JoinTargets(d Discovery, self string) []string {
    if d == nil {
        return nil
    }
    seeds := d.Seeds()
    out := seeds[:0]
    for _, s := range seeds {
        if s != self {
            out = append(out, s)
        }
    }
    return out
}
