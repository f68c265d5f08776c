package logutil

import (
    "bytes"
    "encoding/json"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
    t.Setenv("CLUSTER_LOG_JSON", "")
    t.Setenv("CLUSTER_LOG_FORMAT", "")
    var buf bytes.Buffer
    l := New(Options{Format: "json", Writer: &buf, NodeID: "n1"})
    l.Info().Str("k", "v").Msg("hello")
    l.Debug().Msg("hidden")

    var evt map[string]any
    require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt))
    require.Equal(t, "hello", evt["message"])
    require.Equal(t, "n1", evt["node_id"])
    require.Equal(t, "info", evt["level"])
}

func TestNew_EnvForcesJSON(t *testing.T) {
    t.Setenv("CLUSTER_LOG_FORMAT", "json")
    var buf bytes.Buffer
    l := New(Options{Format: "console", Writer: &buf, Verbose: true})
    l.Debug().Msg("dbg")
    require.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestComponent(t *testing.T) {
    t.Setenv("CLUSTER_LOG_JSON", "1")
    var buf bytes.Buffer
    base := New(Options{Writer: &buf})
    Component(&base, "store").Warn().Msg("x")
    require.Contains(t, buf.String(), `"component":"store"`)
    require.NotNil(t, OrDefault(nil))
}
