package static

import (
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-peerservice/pkg/discovery"
)

func TestParse(t *testing.T) {
    cases := []struct {
        in   string
        want []string
    }{
        {"", nil},
        {"a:1", []string{"a:1"}},
        {" a:1 , b:2 ", []string{"a:1", "b:2"}},
        {",,a:1, ,b:2,", []string{"a:1", "b:2"}},
    }
    for _, c := range cases {
        got := Parse(c.in)
        if c.want == nil {
            require.Empty(t, got, c.in)
            continue
        }
        require.Equal(t, c.want, got, c.in)
    }
}

func TestNew(t *testing.T) {
    d := New(" a:1 ", "", "b:2", "a:1")
    got := d.Seeds()
    require.Equal(t, []string{"a:1", "b:2"}, got)

    got[0] = "x"
    require.Equal(t, "a:1", d.Seeds()[0], "Seeds must return a copy")
}

func TestJoinTargets(t *testing.T) {
    d := New("10.0.0.1:7946", "10.0.0.2:7946")
    require.Equal(t, []string{"10.0.0.2:7946"}, discovery.JoinTargets(d, "10.0.0.1:7946"))
    require.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, discovery.JoinTargets(d, ""))
    require.Nil(t, discovery.JoinTargets(nil, "x"))
    require.Empty(t, discovery.JoinTargets(New(), "x"))
}

func TestCombine(t *testing.T) {
    d := discovery.Combine(New("a:1", "b:2"), nil, New("b:2", "c:3"))
    require.Equal(t, []string{"a:1", "b:2", "c:3"}, d.Seeds())
    require.Empty(t, discovery.Combine().Seeds())
}
