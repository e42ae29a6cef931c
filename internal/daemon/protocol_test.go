package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)
	require.NoError(t, fw.WriteResponse(&Response{Event: "spawned", PaneID: "1"}))
	require.NoError(t, fw.WriteResponse(&Response{Event: "data", PaneID: "1", Data: []byte("hello")}))

	sc := bufio.NewScanner(&buf)
	require.True(t, sc.Scan())
	var r1 Response
	require.NoError(t, json.Unmarshal(sc.Bytes(), &r1))
	require.Equal(t, "spawned", r1.Event)

	require.True(t, sc.Scan())
	var r2 Response
	require.NoError(t, json.Unmarshal(sc.Bytes(), &r2))
	require.Equal(t, []byte("hello"), r2.Data)
}

func TestRequestDecode(t *testing.T) {
	raw := `{"cmd":"spawn","paneId":"1","command":"bash","mode":"interactive","cols":80,"rows":24}` + "\n"
	fr := newFrameReader(bytes.NewBufferString(raw))
	req, err := fr.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, "spawn", req.Cmd)
	require.Equal(t, ModeInteractive, req.Mode)
	require.Equal(t, 80, req.Cols)
}
